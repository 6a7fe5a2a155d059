package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/impostor/internal/mentalpoker"
)

const minKeyBits = 1024

type Config struct {
	bind           string
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	play playConfig
}

type playConfig struct {
	relay       string
	party       string
	join        string
	id          string
	players     int
	impostors   int
	words       int
	wordsFile   string
	round       int
	bits        int
	keyBits     int
	cardTimeout time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.sessionTimeout < 0 {
		return fmt.Errorf("invalid session timeout (must not be negative): %s", c.sessionTimeout)
	}
	return nil
}

func (p *playConfig) validate() error {
	if p.relay == "" {
		return errors.New("--relay must be provided")
	}
	if u, err := url.Parse(p.relay); err != nil || u.Host == "" {
		return fmt.Errorf("invalid relay url: %q", p.relay)
	}
	if p.party == "" {
		return errors.New("--party must be provided")
	}
	if p.join == "" {
		if p.players < 2 {
			return fmt.Errorf("invalid player count (must be at least 2): %d", p.players)
		}
		if p.impostors < 1 || p.impostors >= p.players {
			return fmt.Errorf("invalid impostor count (must be between 1-%d inclusive): %d", p.players-1, p.impostors)
		}
	}
	if p.words < 1 {
		return fmt.Errorf("invalid word count (must be at least 1): %d", p.words)
	}
	if p.round < 0 || p.round >= p.words {
		return fmt.Errorf("invalid round (must be between 0-%d inclusive): %d", p.words-1, p.round)
	}
	if p.bits != 0 && p.bits < mentalpoker.MinBits {
		return fmt.Errorf("invalid prime size (must be at least %d bits): %d", mentalpoker.MinBits, p.bits)
	}
	if p.keyBits < minKeyBits {
		return fmt.Errorf("invalid key size (must be at least %d bits): %d", minKeyBits, p.keyBits)
	}
	if p.cardTimeout < 0 {
		return fmt.Errorf("invalid card timeout (must not be negative): %s", p.cardTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func normalize(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// bindEnv lets IMPOSTOR_<FLAG> set any flag in fs that was not given on the
// command line.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("IMPOSTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "impostor",
		Short:         "A word-impostor party game played over an end-to-end encrypted peer mesh.",
		Long:          "Runs the relay that game peers meet through. Use the play subcommand to join a party as a peer.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(normalize)

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: IMPOSTOR_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: IMPOSTOR_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: IMPOSTOR_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: IMPOSTOR_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle parties are ended (env: IMPOSTOR_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: IMPOSTOR_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: IMPOSTOR_TLS_KEY)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: IMPOSTOR_VERSION)")

	pfs := cmd.PersistentFlags()
	pfs.SetNormalizeFunc(normalize)

	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: IMPOSTOR_VERBOSE)")

	bindEnv(v, fs)
	bindEnv(v, pfs)

	cmd.AddCommand(newPlayCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("impostor v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newPlayCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	p := &cfg.play

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a party as a game peer.",
		Long: "Joins a party on the relay. Without --join this peer hosts the mesh, " +
			"starts the round once --players peers are present and prints an invite. " +
			"Every peer then deals --round and prints its own card.",
		Args: cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.validate(); err != nil {
				return err
			}
			return runPlay(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(normalize)

	fs.StringVarP(&p.relay, "relay", "r", "http://localhost:8080", "base url of the relay (env: IMPOSTOR_RELAY)")
	fs.StringVar(&p.party, "party", "", "party id to join (env: IMPOSTOR_PARTY)")
	fs.StringVarP(&p.join, "join", "j", "", "peer id of the host to join; empty hosts a new mesh (env: IMPOSTOR_JOIN)")
	fs.StringVar(&p.id, "id", "", "peer id to request from the relay; empty lets the relay pick (env: IMPOSTOR_ID)")
	fs.IntVar(&p.players, "players", 3, "number of peers the host waits for before starting (env: IMPOSTOR_PLAYERS)")
	fs.IntVar(&p.impostors, "impostors", 1, "number of impostors per round (env: IMPOSTOR_IMPOSTORS)")
	fs.IntVar(&p.words, "words", 10, "number of words, and so rounds, in the deck (env: IMPOSTOR_WORDS)")
	fs.StringVar(&p.wordsFile, "words-file", "", "file with one word per line, replacing the built-in list (env: IMPOSTOR_WORDS_FILE)")
	fs.IntVar(&p.round, "round", 0, "round to deal (env: IMPOSTOR_ROUND)")
	fs.IntVar(&p.bits, "bits", mentalpoker.DefaultBits, "size in bits of each shared deck prime (env: IMPOSTOR_BITS)")
	fs.IntVar(&p.keyBits, "key-bits", 4096, "size in bits of the RSA key for private messages (env: IMPOSTOR_KEY_BITS)")
	fs.DurationVar(&p.cardTimeout, "card-timeout", 0, "time to wait for card keys once the first arrives, 0 waits forever (env: IMPOSTOR_CARD_TIMEOUT)")

	bindEnv(v, fs)

	return cmd
}
