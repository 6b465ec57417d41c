package main

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/acqlab/scopetrig"
	"github.com/acqlab/scopetrig/trigger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

var rootCmd = &cobra.Command{
	Use:   "scopetrig",
	Short: "Oscilloscope acquisition server with a rising-edge trigger",
	Long: `scopetrig acquires 8-bit sample streams, finds rising-edge trigger events,
and streams the resulting capture windows to waveform clients.`,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().Bool("version", false, "print version and quit")
	rootCmd.Flags().String("cpuprofile", "", "write CPU profile to given file")
	rootCmd.Flags().String("memprofile", "", "write memory profile to given file")
	rootCmd.Flags().Int("port-base", 5600, "first of the 4 consecutive TCP ports to use")
	rootCmd.Flags().BoolP("verbose", "v", false, "log configuration changes in full")

	viper.BindPFlag("portbase", rootCmd.Flags().Lookup("port-base"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
}

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("verbose", false)
	viper.SetDefault("portbase", 5600)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotScopetrig := filepath.Join(HOME, ".scopetrig")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotScopetrig, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/scopetrig"))
	viper.AddConfigPath(dotScopetrig)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func run(cmd *cobra.Command, args []string) error {
	buildDate = strings.ReplaceAll(buildDate, ".", " ")
	scopetrig.Build.Date = buildDate
	scopetrig.Build.Githash = githash
	scopetrig.Build.Gitdate = gitdate
	scopetrig.Build.Summary = fmt.Sprintf("scopetrig version %s (git commit %s of %s)",
		scopetrig.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		scopetrig.Build.Host = host
	} else {
		scopetrig.Build.Host = "host not detected"
	}

	if printVersion, _ := cmd.Flags().GetBool("version"); printVersion {
		fmt.Printf("This is scopetrig version %s\n", scopetrig.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		fmt.Printf("Trigger scan backend: %s\n", trigger.DetectBackend())
		return nil
	}

	banner := fmt.Sprintf("\nThis is scopetrig version %s (git commit %s)\n", scopetrig.Build.Version, githash)
	fmt.Print(banner)

	if cpuprofile, _ := cmd.Flags().GetString("cpuprofile"); cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	logdir := filepath.Join(HOME, ".scopetrig", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		return err
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		return err
	}
	scopetrig.ProblemLogger = startLogger(problemname)
	scopetrig.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	scopetrig.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		return err
	}
	scopetrig.SetPortnumbers(viper.GetInt("portbase"))

	abort := make(chan struct{})
	go func() {
		if err := scopetrig.RunClientUpdater(scopetrig.Ports.Status, 2*time.Second, abort); err != nil {
			scopetrig.ProblemLogger.Printf("client updater: %v", err)
		}
	}()
	err = scopetrig.RunRPCServer(scopetrig.Ports.RPC, true)
	close(abort)
	memprofile, _ := cmd.Flags().GetString("memprofile")
	writeMemoryProfile(memprofile)
	return err
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` is an empty string, do not write.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}

	f, err := os.Create(memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
