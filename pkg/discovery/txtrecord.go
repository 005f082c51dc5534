package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for an advertisement.
func EncodeTXT(info *ServiceInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyDeviceID:     info.DeviceID,
		TXTKeyManufacturer: info.Manufacturer,
		TXTKeyModel:        info.Model,
		TXTKeyVersion:      info.Version,
	}
	if info.Firmware != "" {
		txt[TXTKeyFirmware] = info.Firmware
	}
	if info.Fingerprint != "" {
		txt[TXTKeyFingerprint] = info.Fingerprint
	}
	return txt
}

// DecodeTXT parses the TXT records of an advertisement.
func DecodeTXT(txt TXTRecordMap) (*ServiceInfo, error) {
	info := &ServiceInfo{}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{TXTKeyDeviceID, &info.DeviceID},
		{TXTKeyManufacturer, &info.Manufacturer},
		{TXTKeyModel, &info.Model},
		{TXTKeyVersion, &info.Version},
	} {
		v, ok := txt[f.key]
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequired, f.key)
		}
		*f.dst = v
	}

	info.Firmware = txt[TXTKeyFirmware]
	if fp, ok := txt[TXTKeyFingerprint]; ok {
		if !ValidFingerprint(fp) {
			return nil, fmt.Errorf("%w: invalid fingerprint %q", ErrInvalidTXTRecord, fp)
		}
		info.Fingerprint = fp
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// Key without value (boolean flag)
			v = ""
		}
		txt[k] = v
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
