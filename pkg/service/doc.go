// Package service holds the pieces the pipeguard daemon runs on top of the
// IPC server: the default request handler and the shutdown manager.
package service
