// Package ipc implements the trust-gated local channel between the pipeguard
// service and its single client executable.
//
// The channel provides:
//
//   - One request and one response per connection, framed and encoded by a
//     Codec (JSON or protobuf)
//   - Peer authentication by executable path, resolved from the kernel
//     (SO_PEERCRED on Linux, GetNamedPipeClientProcessId on Windows)
//   - OS-level access control on the endpoint (socket file mode on Unix, an
//     SDDL descriptor on Windows named pipes)
//   - A single worker goroutine per Server, so requests never interleave
//
// Any failure caused by a single connection is logged and swallowed; only
// failures that stop the server from working at all reach the caller.
//
// Example usage:
//
//	srv, err := ipc.NewServer(cfg.IPC, func(req *types.Message) *types.Message {
//	    return types.NewMessage(types.MessagePong)
//	}, log)
//	if err != nil {
//	    log.Error("cannot create channel", "error", err)
//	    os.Exit(1)
//	}
//	defer srv.Close()
//
//	// From the client executable
//	resp, err := ipc.Exchange(ctx, cfg.IPC, types.NewMessage(types.MessagePing))
package ipc
