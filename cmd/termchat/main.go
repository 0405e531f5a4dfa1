package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"termchat/internal/client"
	"termchat/internal/config"
	"termchat/internal/dispatch"
	"termchat/internal/model"
)

var rootCmd = &cobra.Command{
	Use:   "termchat",
	Short: "terminal chat client synchronization core",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("log", "", "log file path (empty logs to stderr)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn")
	rootCmd.PersistentFlags().String("config", "", "config file path")
	_ = viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initLog() {
	logPath := viper.GetString("log")
	if logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		out, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(out)
	}

	switch viper.GetString("log-level") {
	case "debug":
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
	case "warn":
		jww.SetStdoutThreshold(jww.LevelWarn)
		jww.SetLogThreshold(jww.LevelWarn)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

func run() error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}
	// config file values feed the same keys the env loader reads
	for _, key := range []string{"token", "gateway_url", "api_base", "retain_messages"} {
		if viper.IsSet(key) {
			os.Setenv("TERMCHAT_"+strings.ToUpper(key), viper.GetString(key))
		}
	}

	initLog()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := client.New(cfg)
	go printEvents(cl)

	jww.INFO.Printf("termchat: starting session")
	return cl.Run(ctx)
}

// printEvents is a tiny headless consumer standing in for the UI layer: it
// tails the message and status streams and prints them.
func printEvents(cl *client.Client) {
	messages := cl.Subscribe(dispatch.KindMessage)
	status := cl.Subscribe(dispatch.KindStatus)
	for {
		select {
		case d, ok := <-messages:
			if !ok {
				return
			}
			if m, isMsg := d.Entity.(model.Message); isMsg && d.Op == dispatch.OpUpsert {
				fmt.Printf("[%s] %s: %s\n", m.ChannelID, m.Author.DisplayName(), m.Content)
			}
		case d, ok := <-status:
			if !ok {
				return
			}
			fmt.Printf("-- %v --\n", d.Entity)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
