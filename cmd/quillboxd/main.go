// Command quillboxd serves IMAP and POP3 for a quillbox install.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"crawshaw.io/iox"
	"quillbox.dev/quillbox/config"
	"quillbox.dev/quillbox/metrics"
	"quillbox.dev/quillbox/notifier"
	"quillbox.dev/quillbox/spilldb"
	"quillbox.dev/quillbox/util/devcert"
)

// version is filled in by "-ldflags=-X main.version=<val>"
var version = "unknown"

var cfgPath string

func main() {
	log.SetFlags(0)

	rootCmd := &cobra.Command{
		Use:   "quillboxd",
		Short: "IMAP and POP3 mail server",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to quillboxd.yaml (defaults used if omitted)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the quillboxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var devMode bool
	var debugAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the IMAP and POP3 listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.Server.Dev = cfg.Server.Dev || devMode
			if cfg.Server.WorkerID == "" {
				hostname, _ := os.Hostname()
				cfg.Server.WorkerID = hostname
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg, debugAddr)
		},
	}
	cmd.Flags().BoolVar(&devMode, "dev", false, "development mode: local CA, no Redis requirement skipped")
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "HTTP address for pprof + /metrics (do *not* expose publicly)")
	return cmd
}

func serve(cfg *config.Config, debugAddr string) error {
	filer := iox.NewFiler(0)
	tempdir, err := ioutil.TempDir("", "quillboxd-")
	if err != nil {
		return fmt.Errorf("quillboxd: tempdir: %v", err)
	}
	filer.SetTempdir(tempdir)

	log.Printf("quillboxd, version %s, starting at %s", version, time.Now())

	dbDir := cfg.Server.DBDir
	if dbDir == "" {
		dbDir = tempdir
	}

	var certManager *autocert.Manager
	var tlsConfig *tls.Config
	if cfg.Server.Dev {
		log.Printf("***DEVELOPMENT MODE***")
		tlsConfig, err = devcert.Config()
		if err != nil {
			return err
		}
	} else {
		hosts := []string{cfg.Server.Hostname}
		certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hosts...),
			Cache:      autocert.DirCache(filepath.Join(dbDir, "tls_certs")),
		}
		tlsConfig = &tls.Config{GetCertificate: certManager.GetCertificate}
	}

	s, err := spilldb.New(filer, dbDir)
	if err != nil {
		return fmt.Errorf("quillboxd: spilldb.New: %v", err)
	}
	s.CertManager = certManager
	s.Logf = log.Printf

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		w := &notifier.Worker{
			Client:  rdb,
			ID:      cfg.Server.WorkerID,
			TTL:     cfg.Notifier.TTL,
			Refresh: cfg.Notifier.Refresh,
		}
		s.EnableNotifier(w)

		ctx, cancel := context.WithCancel(context.Background())
		go w.RunRefresh(ctx, s.Logf)
		go func() {
			if err := w.Listen(ctx, s.Logf); err != nil {
				s.Logf("quillboxd: notifier listen: %v", err)
			}
		}()
		defer cancel()
	}

	var imapAddrs, pop3Addrs []spilldb.ServerAddr

	listen := func(hostname, addr string) (spilldb.ServerAddr, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return spilldb.ServerAddr{}, err
		}
		return spilldb.ServerAddr{Hostname: hostname, Ln: ln, TLSConfig: tlsConfig}, nil
	}

	if cfg.Server.IMAPAddr != "" {
		addr, err := listen(cfg.Server.Hostname, cfg.Server.IMAPAddr)
		if err != nil {
			return err
		}
		imapAddrs = append(imapAddrs, addr)
	}
	if cfg.Server.POP3Addr != "" {
		addr, err := listen(cfg.Server.Hostname, cfg.Server.POP3Addr)
		if err != nil {
			return err
		}
		pop3Addrs = append(pop3Addrs, addr)
	}

	if cfg.Server.Dev && debugAddr == "" {
		debugAddr = ":1380"
	}
	if debugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if cfg.Metrics.Enabled {
			debugMux.Handle("/metrics", metrics.Handler())
		}

		debugServer := &http.Server{Handler: debugMux}
		go func() {
			ln, err := net.Listen("tcp", debugAddr)
			if err != nil {
				s.Logf("quillboxd: debug server: %v", err)
				return
			}
			s.Logf("quillboxd: debug HTTP starting on %s", ln.Addr())
			if err := debugServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.Logf("quillboxd: debug HTTP serving error: %v", err)
			}
		}()
	}

	if certManager != nil && cfg.Server.HTTPAddr != "" {
		go func() {
			err := http.ListenAndServe(cfg.Server.HTTPAddr, certManager.HTTPHandler(nil))
			if err != nil && err != http.ErrServerClosed {
				log.Fatalf("quillboxd: ACME HTTP-01 responder: %v", err)
			}
		}()
	}

	go func() {
		if err := s.Serve(imapAddrs, pop3Addrs); err != nil {
			s.Logf("quillboxd: serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Shutdown(shutdownCtx)
	}()
	wg.Wait()

	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Printf("quillboxd: filer shutdown error: %v", err)
	}
	log.Printf("quillboxd: shut down")
	return nil
}
