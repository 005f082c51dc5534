// Package log provides protocol event capture for FIXLINK.
//
// It is separate from operational logging (slog): protocol capture records
// a machine-readable trace of datagrams, decoded messages, session state
// changes and keepalive traffic for debugging and analysis.
//
// Applications pass a Logger to the transport mux, session machines and
// services:
//
//	// Development: protocol events on the console
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Field capture: binary CBOR file
//	fl, _ := log.NewFileLogger("/var/log/fixlink/device.flog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(nil), fl)
//
// MAC tags, session keys and op payloads are never captured.
//
// Log files are a stream of CBOR-encoded Events; Reader iterates them with
// an optional Filter.
package log
