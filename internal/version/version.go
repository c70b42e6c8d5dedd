// Package version describes the running binary for probes and the API.
package version

import "time"

type Info struct {
	Service         string `json:"service"`
	NodeName        string `json:"node_name,omitempty"`
	Version         string `json:"version"`
	ProbeListenAddr string `json:"probe_listen_addr"`
	StreamMode      string `json:"stream_mode,omitempty"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}

// Get stamps base with the current time.
func Get(base Info) Info {
	base.CheckedAtUnix = time.Now().UTC().Unix()
	return base
}

// Banner is the single line written by the TCP probe endpoint.
func (i Info) Banner() string {
	return i.Service + ":" + i.Version + ":ok\n"
}
