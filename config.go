/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/fretquiz/games"
)

type Config struct {
	bind            string
	db              string
	endFret         int
	persistAttempts int
	persistBackoff  time.Duration
	playerTimeout   time.Duration
	port            int
	prefix          string
	profile         bool
	rounds          int
	secret          string
	sendBuffer      int
	sessionTimeout  time.Duration
	startFret       int
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool

	logger zerolog.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.sendBuffer < 1 {
		return fmt.Errorf("invalid send buffer (must be at least 1): %d", c.sendBuffer)
	}
	if c.persistAttempts < 1 {
		return fmt.Errorf("invalid persist attempts (must be at least 1): %d", c.persistAttempts)
	}
	if err := c.defaultOpts().Validate(); err != nil {
		return fmt.Errorf("invalid default game options: %w", err)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) defaultOpts() games.Opts {
	return games.Opts{
		NumRounds: c.rounds,
		StartFret: c.startFret,
		EndFret:   c.endFret,
	}
}

func newCmd(cfg *Config) *cobra.Command {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FRETQUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := games.DefaultOpts()

	cmd := &cobra.Command{
		Use:           "fretquiz",
		Short:         "A multiplayer quiz for finding notes on the guitar fretboard.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			cfg.logger = newLogger(cfg)
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: FRETQUIZ_BIND)")
	fs.StringVar(&cfg.db, "db", "fretquiz.db", "path to sqlite database, or empty to keep history in memory (env: FRETQUIZ_DB)")
	fs.IntVar(&cfg.endFret, "end-fret", defaults.EndFret, "default highest fret in play (env: FRETQUIZ_END_FRET)")
	fs.IntVar(&cfg.persistAttempts, "persist-attempts", 5, "attempts per history write before giving up (env: FRETQUIZ_PERSIST_ATTEMPTS)")
	fs.DurationVar(&cfg.persistBackoff, "persist-backoff", 100*time.Millisecond, "delay before retrying a failed history write, doubled per attempt (env: FRETQUIZ_PERSIST_BACKOFF)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Second, "time a disconnected player has to reconnect before leaving the game (env: FRETQUIZ_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: FRETQUIZ_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: FRETQUIZ_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: FRETQUIZ_PROFILE)")
	fs.IntVar(&cfg.rounds, "rounds", defaults.NumRounds, "default number of rounds per game (env: FRETQUIZ_ROUNDS)")
	fs.StringVar(&cfg.secret, "secret", "", "key used to sign player cookies; random per run if empty (env: FRETQUIZ_SECRET)")
	fs.IntVar(&cfg.sendBuffer, "send-buffer", 8, "messages queued per connection before it is dropped (env: FRETQUIZ_SEND_BUFFER)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle games are ended (env: FRETQUIZ_SESSION_TIMEOUT)")
	fs.IntVar(&cfg.startFret, "start-fret", defaults.StartFret, "default lowest fret in play (env: FRETQUIZ_START_FRET)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: FRETQUIZ_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: FRETQUIZ_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: FRETQUIZ_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: FRETQUIZ_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("fretquiz v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
