package socket

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ConnectionInfo is the contents of the kernel connection file Jupyter
// writes before launching the kernel (§6). It is immutable after load.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name"`
}

// LoadConnectionFile parses the connection file at path.
func LoadConnectionFile(path string) (*ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open connection file %s", path)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse connection file %s", path)
	}
	return &info, nil
}
