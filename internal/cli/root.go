package cli

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/ice"

	"github.com/turnrelay/turnrelayd/internal/auth"
	"github.com/turnrelay/turnrelayd/internal/manage"
	"github.com/turnrelay/turnrelayd/internal/reload"
	"github.com/turnrelay/turnrelayd/internal/server"
)

// listenFunc starts a listener on network/laddr, fed by Updater for its
// initial and every subsequent set of Options.
type listenFunc func(network, laddr string, u *server.Updater) error

func getRoot(v *viper.Viper, listen listenFunc) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "turnrelayd",
		Short: "turnrelayd is a STUN and TURN relay server",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig(v, cfgFile)
		},
		Run: func(cmd *cobra.Command, args []string) {
			runServe(v, listen)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/turnrelayd.yml)")
	cmd.Flags().StringArrayP("listen", "l", nil, "listen address (overrides listen_address/udp_port)")
	cmd.Flags().String("pprof", "", "pprof address if specified")
	mustBind(v.BindPFlag("server.listen", cmd.Flags().Lookup("listen")))
	mustBind(v.BindPFlag("server.pprof", cmd.Flags().Lookup("pprof")))

	cmd.AddCommand(getKeyCmd())
	cmd.AddCommand(getReloadCmd(v))
	return cmd
}

const keyPrometheusActive = "server.prometheus.active"

// parseOptions fills o from the bound viper keys (spec §6).
func parseOptions(l *zap.Logger, v *viper.Viper, o *server.Options) error {
	o.Realm = v.GetString("server.realm")
	o.Workers = v.GetInt("server.workers")
	o.AuthForSTUN = v.GetBool("auth.stun")
	o.Software = v.GetString("server.software")
	o.ReusePort = v.GetBool("server.reuseport")
	o.MetricsEnabled = v.GetBool(keyPrometheusActive)
	o.MaxClients = v.GetInt("server.max_client")
	o.MaxRelayPerClient = v.GetInt("server.max_relay_per_client")
	if v.GetBool("server.tls") {
		o.TCPPort = v.GetInt("server.tcp_port")
		if o.TCPPort == 0 {
			o.TCPPort = 5349
		}
	}
	// allocation_lifetime is plain seconds (spec §6), not a duration
	// string, so GetInt rather than GetDuration (which would read a
	// bare number as nanoseconds).
	if seconds := v.GetInt("server.allocation_lifetime"); seconds > 0 {
		o.DefaultLifetime = time.Duration(seconds) * time.Second
	}

	filterLog := l.Named("filter")
	var parseErr error
	if o.PeerRule, parseErr = parseFilteringRules(v, filterLog, "peer"); parseErr != nil {
		return parseErr
	}
	if o.ClientRule, parseErr = parseFilteringRules(v, filterLog, "client"); parseErr != nil {
		return parseErr
	}

	if v.GetBool("auth.public") {
		l.Warn("auth is public: no credentials required")
	} else {
		accounts, err := loadAccounts(v)
		if err != nil {
			return err
		}
		o.Auth = &auth.Authenticator{
			Accounts: auth.NewStatic(accounts),
			Noncer:   auth.NewNoncer(v.GetString("server.nonce_key")),
			Realm:    o.Realm,
		}
	}

	if o.Software != "" {
		l.Info("will be sending SOFTWARE attribute", zap.String("software", o.Software))
	}
	return nil
}

func runServe(v *viper.Viper, listen listenFunc) {
	l := getLogger(v)
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Info("config file used", zap.String("path", cfgPath))
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
	}

	reg := prometheus.NewPedanticRegistry()
	if addr := v.GetString("server.prometheus.addr"); addr != "" {
		l.Info("running prometheus metrics", zap.String("addr", addr))
		go serveHTTP(l, addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(l),
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	} else {
		v.SetDefault(keyPrometheusActive, false)
	}

	if addr := v.GetString("server.pprof"); addr != "" {
		l.Warn("running pprof", zap.String("addr", addr))
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		go serveHTTP(l, addr, mux)
	}

	o := server.Options{Log: l, Registry: reg}
	if err := parseOptions(l, v, &o); err != nil {
		l.Fatal("failed to parse options", zap.Error(err))
	}
	if v.GetBool("server.tls") {
		tlsCfg, err := loadTLSConfig(v)
		if err != nil {
			l.Fatal("failed to load TLS material", zap.Error(err))
		}
		o.TLS = tlsCfg
	}

	u := server.NewUpdater(o)
	n := reload.NewNotifier(l.Named("reload"))
	go watchReloads(l, v, n, u)

	if addr := v.GetString("api.addr"); addr != "" {
		m := manage.NewManager(l.Named("api"), &n)
		go serveHTTP(l, addr, m)
	}

	wg := new(sync.WaitGroup)
	for _, addr := range resolveListenAddrs(v) {
		addr := normalize(addr)
		if strings.HasPrefix(addr, "0.0.0.0") {
			listenAllInterfaces(l, addr, u, listen, wg)
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			l.Info("listening", zap.String("addr", addr))
			if err := listen("udp", addr, u); err != nil {
				l.Fatal("failed to listen", zap.Error(err))
			}
		}(addr)
	}
	wg.Wait()
}

func listenAllInterfaces(l *zap.Logger, addr string, u *server.Updater, listen listenFunc, wg *sync.WaitGroup) {
	l.Warn("picking addr from local interfaces")
	addrs, err := ice.Gather()
	if err != nil {
		l.Fatal("failed to gather local addresses", zap.Error(err))
	}
	for _, a := range addrs {
		if a.IP.IsLoopback() || a.IP.IsLinkLocalMulticast() || a.IP.IsLinkLocalUnicast() {
			continue
		}
		if a.IP.To4() == nil {
			continue
		}
		bound := strings.Replace(addr, "0.0.0.0", a.IP.String(), 1)
		wg.Add(1)
		go func(bound string) {
			defer wg.Done()
			l.Info("listening", zap.String("addr", bound))
			if err := listen("udp", bound, u); err != nil {
				l.Fatal("failed to listen", zap.Error(err))
			}
		}(bound)
	}
}

func watchReloads(l *zap.Logger, v *viper.Viper, n reload.Notifier, u *server.Updater) {
	for range n.C {
		l.Info("reloading configuration")
		if err := v.ReadInConfig(); err != nil {
			l.Error("failed to re-read config", zap.Error(err))
			continue
		}
		o := server.Options{Log: l, Registry: nil}
		if err := parseOptions(l, v, &o); err != nil {
			l.Error("failed to parse reloaded config", zap.Error(err))
			continue
		}
		u.Set(o)
		l.Info("configuration reloaded")
	}
}

func serveHTTP(l *zap.Logger, addr string, h http.Handler) {
	if err := http.ListenAndServe(addr, h); err != nil {
		l.Error("http listener failed", zap.String("addr", addr), zap.Error(err))
	}
}

// resolveListenAddrs returns the explicit server.listen list if the
// user set one (the --listen flag, or a config's "listen" entries), or
// else builds one from listen_address/listen_addressv6/udp_port (spec
// §6's primary config surface).
func resolveListenAddrs(v *viper.Viper) []string {
	if v.IsSet("server.listen") {
		if addrs := v.GetStringSlice("server.listen"); len(addrs) > 0 {
			return addrs
		}
	}
	port := v.GetInt("server.udp_port")
	if port == 0 {
		port = 3478
	}
	host := v.GetString("server.listen_address")
	if host == "" {
		host = "0.0.0.0"
	}
	addrs := []string{fmt.Sprintf("%s:%d", host, port)}
	if v6 := v.GetString("server.listen_addressv6"); v6 != "" {
		addrs = append(addrs, fmt.Sprintf("[%s]:%d", v6, port))
	}
	return addrs
}

func normalize(address string) string {
	if address == "" {
		return "0.0.0.0:3478"
	}
	if !strings.Contains(address, ":") {
		return address + ":3478"
	}
	return address
}
