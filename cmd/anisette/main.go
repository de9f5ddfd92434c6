package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zboralski/anisette/internal/config"
	glog "github.com/zboralski/anisette/internal/log"
	"github.com/zboralski/anisette/internal/provider"
)

var (
	verbose    bool
	quiet      bool
	configPath string
	maxInsn    int
	stateDir   string
	libDir     string

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anisette",
		Short: "Generate Apple anisette headers from the Android ADI libraries",
		Long: `Anisette runs libstoreservicescore.so and libCoreADI.so from the Apple Music
Android APK inside an ARM64 emulator and produces the X-Apple-I-MD headers
Apple services expect from a provisioned machine.

The first run generates a device record and provisions the machine against
Apple's GSA service. The provisioning state is kept in the state directory
and reused afterwards.

Examples:
  anisette headers --lib-dir lib/arm64-v8a   # Print a fresh set of headers
  anisette provision --force                 # Provision again
  anisette serve --listen :6969              # Serve headers over HTTP
  anisette info libstoreservicescore.so      # Show exports and imports
  anisette headers --trace 200               # Trace the first 200 instructions`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if stateDir != "" {
				c.StateDir = stateDir
			}
			if libDir != "" {
				c.SetLibDir(libDir)
			}
			cfg = c
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "print results only")
	flags.StringVar(&configPath, "config", "", "config file (default "+config.DefaultFile+" if present)")
	flags.IntVar(&maxInsn, "trace", 0, "trace the first N guest instructions")
	flags.StringVar(&stateDir, "state-dir", "", "directory holding device.json and adi.pb")
	flags.StringVar(&libDir, "lib-dir", "", "directory holding both vendor libraries")

	rootCmd.AddCommand(
		headersCmd(),
		provisionCmd(),
		infoCmd(),
		serveCmd(),
		fsCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

// openProvider builds a provider from the loaded config, wiring the
// instruction trace when --trace is set. The returned func prints the
// trace summary and releases the session.
func openProvider() (*provider.Provider, func(), error) {
	pc, err := provider.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	var tr *tracer
	if maxInsn > 0 {
		tr = newTracer(maxInsn, quiet, pc.StoreServices, pc.CoreADI)
		pc.Trace = tr.hook
		glog.L.SetOnStub(tr.events.Record)
	}

	p, err := provider.New(pc)
	if err != nil {
		if tr != nil {
			tr.Close()
		}
		return nil, nil, err
	}
	return p, func() {
		if tr != nil {
			tr.Close()
			tr.printStats()
		}
		p.Close()
	}, nil
}
