// Package api exposes the REST surface of the daemon: submitting and
// inspecting override runs, deriving vault addresses, and reading the
// guardian's latest health reports.
package api
