package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/benchcloud/cloudrunexec/internal/cancel"
	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/engine"
	"github.com/benchcloud/cloudrunexec/internal/environ"
	"github.com/benchcloud/cloudrunexec/internal/logging"
	"github.com/benchcloud/cloudrunexec/internal/observe"
	"github.com/benchcloud/cloudrunexec/internal/report"
	"github.com/benchcloud/cloudrunexec/internal/wrapper"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

var (
	cfgFile   string
	configErr error

	logger *logging.Logger
	slot   *cancel.Slot
)

// rootCmd is the whole program: one invocation, one run.
var rootCmd = &cobra.Command{
	Use:   "cloudrunexec <job> <memlimit MB|-1|None> <timelimit s> <output file> [<core limit>]",
	Short: "Run one benchmark command under resource limits and report its usage",
	Long: `cloudrunexec runs a single command on a worker node, enforces memory, time
and core limits on it and prints one record with the consumed wall time, CPU
time, peak memory, return value and energy to stdout.

The job is a serialized mapping, for example:
  cloudrunexec "{'args':['/bin/true'],'env':{},'debug':False,'maxLogfileSize':20}" -1 10 out.log

Settings are read from $HOME/.cloudrunexec/config.yaml and from environment
variables prefixed with CLOUDRUNEXEC_ (e.g. CLOUDRUNEXEC_RESULT_FORMAT=json).`,
	Args:          positionalArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runInvocation,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Flags must come first; "-1" later on is a memory limit, not a flag.
	rootCmd.Flags().SetInterspersed(false)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cloudrunexec/config.yaml)")
	flags.String("format", "literal", "result format: literal, json or yaml")
	flags.String("log-level", "warning", "log level: debug, info, warning, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "also append logs to this file")
	flags.String("metrics-textfile", "", "write run metrics in Prometheus text format to this file")
	flags.String("cgroup-root", "", "parent cgroup for runs (default /sys/fs/cgroup/cloudrunexec)")

	viper.BindPFlag("result_format", flags.Lookup("format"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))
	viper.BindPFlag("log_file", flags.Lookup("log-file"))
	viper.BindPFlag("metrics_textfile", flags.Lookup("metrics-textfile"))
	viper.BindPFlag("cgroup_root", flags.Lookup("cgroup-root"))

	viper.SetDefault("powercap_root", observe.DefaultPowercapRoot)
	viper.SetDefault("wall_time_slack", engine.DefaultWallTimeSlack)
	viper.SetDefault("memory_sample_interval", observe.DefaultSampleInterval)
	viper.SetDefault("kill_grace", time.Duration(0))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".cloudrunexec"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CLOUDRUNEXEC")
	viper.AutomaticEnv()

	// The temp directory comes from the plain variable, not a prefixed one.
	viper.BindEnv("tmpdir", environ.TmpDirVar)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("read config: %w", err)
		}
	}
}

func positionalArgs(cmd *cobra.Command, args []string) error {
	return config.CheckArity(args)
}

// Execute runs the command and returns the process exit code.
func Execute() int {
	logger = logging.NewLogger(logging.WARN, false)
	defer logger.Close()

	// Installed before anything is parsed so no termination request is lost.
	slot = cancel.NewSlot()
	stop := cancel.Watch(slot, logger)
	defer stop()

	err := rootCmd.Execute()
	code := ExitCode(err)
	switch {
	case code == ExitUsage:
		fmt.Fprintln(os.Stderr, err)
	case err != nil:
		logger.Error(err.Error())
	}
	return code
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usageErr *config.UsageError
	if errors.As(err, &usageErr) {
		return ExitUsage
	}
	return ExitError
}

func runInvocation(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return configErr
	}

	logger.SetLevel(logging.ParseLevel(viper.GetString("log_level")))
	logger.SetJSON(viper.GetString("log_format") == "json")
	if path := viper.GetString("log_file"); path != "" {
		if err := logger.AttachFile(path); err != nil {
			logger.Warn("could not open log file", map[string]interface{}{"error": err.Error()})
		}
	}

	format, err := report.ParseFormat(viper.GetString("result_format"))
	if err != nil {
		return err
	}

	_, err = wrapper.Run(cmd.Context(), args, wrapper.Options{
		EngineOptions: engine.Options{
			CgroupRoot:           viper.GetString("cgroup_root"),
			PowercapRoot:         viper.GetString("powercap_root"),
			WallTimeSlack:        viper.GetDuration("wall_time_slack"),
			MemorySampleInterval: viper.GetDuration("memory_sample_interval"),
			KillGrace:            viper.GetDuration("kill_grace"),
		},
		Lookup:          lookupEnv,
		Slot:            slot,
		Logger:          logger,
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
		Format:          format,
		MetricsTextfile: viper.GetString("metrics_textfile"),
	})
	return err
}

// lookupEnv resolves TMPDIR through viper so a config file can supply it;
// everything else is the process environment.
func lookupEnv(key string) (string, bool) {
	if key == environ.TmpDirVar {
		v := viper.GetString("tmpdir")
		return v, v != ""
	}
	return os.LookupEnv(key)
}
