// Command rkernel is a Jupyter kernel host: it speaks the wire protocol
// over ZeroMQ and delegates code execution to an embedded language
// runtime through the contracts in internal/handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/gofrs/uuid"
	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/examples/exprhandler"
	"github.com/jupyter-ark/arkgo/internal/comm"
	"github.com/jupyter-ark/arkgo/internal/dispatcher"
	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/interplock"
	"github.com/jupyter-ark/arkgo/internal/iopub"
	"github.com/jupyter-ark/arkgo/internal/kernel"
	"github.com/jupyter-ark/arkgo/internal/stdin"
)

var (
	flagInstall   = flag.Bool("install", false, "Install the kernel spec in Jupyter's local configuration")
	flagKernel    = flag.String("kernel", "", "Run as a kernel using the `connection_file` Jupyter provides")
	flagForce     = flag.Bool("force", false, "Install even if optional dependencies (gopls) are missing")
	flagForceCopy = flag.Bool("force_copy", false, "Overwrite an existing kernel spec directory on install")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	instanceID := newInstanceID()
	klog.Infof("%s starting (instance %s)", color.New(color.FgHiGreen).Sprint("arkgo"), instanceID)

	if *flagInstall {
		if err := kernel.Install(nil, *flagForce, *flagForceCopy); err != nil {
			klog.Fatalf("installation failed: %+v", err)
		}
		return
	}

	if *flagKernel == "" {
		_, _ = fmt.Fprintln(os.Stderr, "use --install to register the kernel with Jupyter, or --kernel <connection_file> when launched by Jupyter")
		flag.PrintDefaults()
		os.Exit(1)
	}

	k, err := kernel.New(*flagKernel)
	if err != nil {
		klog.Fatalf("failed to start kernel: %+v", err)
	}
	klog.Infof("kernel %s bound", k.KernelID)

	pub := iopub.New(k.Codec(), k.IOPubSocket())
	go pub.Run()
	pub.PublishStarting()

	lock := interplock.New()
	in := stdin.New(k.Codec(), k.StdinSocket())
	mux := comm.New()

	runtime := exprhandler.New(lock)
	mux.RegisterTarget("arkgo.vars", runtime)
	var shellH handler.ShellHandler = runtime
	var controlH handler.ControlHandler = runtime
	k.HandleInterrupt(func() { lock.SetInterrupted(true) })

	d := dispatcher.New(k, pub, in, mux, lock, shellH, controlH, nil)
	d.Run(context.Background())

	pub.Close()
	k.ExitWait()
	klog.Infof("arkgo exiting")
}

func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "unknown"
	}
	s := id.String()
	return s[len(s)-8:]
}
