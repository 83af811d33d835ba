package kernel

import (
	"encoding/json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strings"
)

// JupyterDataDirEnv is the name of the environment variable pointing to
// the data files for Jupyter, including kernel configuration.
const JupyterDataDirEnv = "JUPYTER_DATA_DIR"

// jupyterKernelConfig is the Jupyter configuration to be
// converted to a `kernel.json` file under `~/.local/share/jupyter/kernels/ark`
// (or `${HOME}/Library/Jupyter/kernels/` in Macs)
type jupyterKernelConfig struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env"`
}

// Install registers this kernel in the user's local Jupyter configuration,
// making it available. It assumes the kernel is implemented by the same
// binary that is calling this function (os.Args[0]) and that the flag to
// pass the `connection_file` is `--kernel`.
//
// If the binary is under `/tmp` (or if forceCopy is true), it is copied to the location of
// the kernel configuration, and that copy is used.
//
// If forceDeps is true, installation will succeed even with missing dependencies.
func Install(extraArgs []string, forceDeps, forceCopy bool) error {
	kernelPath, err := os.Executable()
	if err != nil {
		return errors.Wrapf(err, "failed to find path to kernel binary")
	}
	config := jupyterKernelConfig{
		Argv:        []string{kernelPath, "--kernel", "{connection_file}"},
		DisplayName: "R (ark)",
		Language:    "r",
		Env:         make(map[string]string),
	}
	if len(extraArgs) > 0 {
		config.Argv = append(config.Argv, extraArgs...)
	}

	// Jupyter configuration directory for this kernel.
	home := os.Getenv("HOME")
	jupyterDataDir := os.Getenv(JupyterDataDirEnv)
	if jupyterDataDir == "" {
		switch runtime.GOOS {
		case "linux":
			jupyterDataDir = path.Join(home, ".local/share/jupyter")
		case "darwin":
			jupyterDataDir = path.Join(home, "Library/Jupyter")
		default:
			return errors.Errorf("unknown OS %q: not sure where to install the kernel -- set the environment %q to force a location.", runtime.GOOS, JupyterDataDirEnv)
		}
	}
	kernelDir := path.Join(jupyterDataDir, "/kernels/ark")
	if err := os.MkdirAll(kernelDir, 0755); err != nil {
		return errors.WithMessagef(err, "failed to create configuration directory %q", kernelDir)
	}

	// If binary is in /tmp, presumably temporary compilation of Go binary,
	// make a copy of the binary (since it will be deleted) to the configuration
	// directory.
	if strings.HasPrefix(os.Args[0], "/tmp/") || forceCopy {
		newBinary := path.Join(kernelDir, "ark-kernel")
		// Move the previous version out of the way.
		if _, err := os.Stat(newBinary); err == nil {
			err = os.Rename(newBinary, newBinary+"~")
			if err != nil {
				return errors.WithMessagef(err, "failed to rename old binary from %s to %s~", newBinary, newBinary)
			}
		}

		err := copyFile(newBinary, os.Args[0])
		if err != nil {
			return errors.WithMessagef(err, "failed to copy temporary binary from %q to %q", os.Args[0], newBinary)
		}
		config.Argv[0] = newBinary
	}

	// Create kernel.json.
	configPath := path.Join(kernelDir, "kernel.json")
	f, err := os.Create(configPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to create configuration file %q", configPath)
	}
	encoder := json.NewEncoder(f)
	//encoder.SetIndent("", "  ")
	if err := encoder.Encode(&config); err != nil {
		if err != nil {
			return errors.WithMessagef(err, "failed to write configuration file %q", configPath)
		}
	}
	if err := f.Close(); err != nil {
		if err != nil {
			return errors.WithMessagef(err, "failed to write configuration file %q", configPath)
		}
	}
	klog.Infof("R (ark) kernel configuration installed in %q.\n", configPath)

	if _, err = exec.LookPath("gopls"); err != nil {
		msg := `
gopls is not on PATH. It is only needed for the optional LSP sidecar
(start_lsp); execution, completion and inspection work without it.

go install golang.org/x/tools/gopls@latest

`
		if !forceDeps {
			klog.Fatalf(msg)
		}
		klog.Infof(msg)
		err = nil
	}
	return nil
}

// copyFile, by reading all to memory -- not good for large files.
func copyFile(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	err = os.WriteFile(dst, data, 0755)
	return err
}
