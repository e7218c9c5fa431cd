// Command maild is the mail server entry point: it parses flags into an
// internal/config.Config, opens a store.Repository (sqlite-backed, or an
// in-memory one for -dev), and serves SMTP submission/relay and IMAP on
// the listeners the flags describe, with graceful shutdown on SIGINT.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/sirupsen/logrus"

	"mailcore.dev/maild/imap/imapserver"
	"mailcore.dev/maild/internal/blobstore"
	"mailcore.dev/maild/internal/config"
	"mailcore.dev/maild/internal/events"
	"mailcore.dev/maild/internal/store"
	"mailcore.dev/maild/internal/store/memstore"
	"mailcore.dev/maild/internal/store/sqlitestore"
	"mailcore.dev/maild/internal/tlsaccept"
	"mailcore.dev/maild/smtp/smtpserver"
	"mailcore.dev/maild/util/devcert"
)

var version = "unknown" // filled in by -ldflags=-X main.version=<val>

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	flagDev := flag.Bool("dev", false, "development server: local CA cert and an in-memory store, no dbdir required")
	flagDBDir := flag.String("dbdir", "", "directory for the sqlite database and TLS cert cache")
	flagDomains := flag.String("domains", "", "comma-separated list of local mail domains (required unless -dev)")
	flagTrustedIPs := flag.String("trusted_relay_ips", "", "comma-separated list of IPs allowed to relay without authenticating")
	flagDebugAddr := flag.String("debug_addr", "", "HTTP address for the pprof debug server (do *not* expose to the public)")

	flagIMAPHostname := flag.String("imap_hostname", hostname, "IMAP hostname")
	flagIMAPAddr := flag.String("imap_addr", ":143", "IMAP address (STARTTLS)")
	flagIMAPSAddr := flag.String("imaps_addr", ":993", "IMAP address (implicit TLS)")

	flagSMTPHostname := flag.String("smtp_hostname", hostname, "SMTP hostname")
	flagSMTPAddr := flag.String("smtp_addr", ":25", "SMTP relay/delivery address (plaintext banner, STARTTLS)")
	flagMSAHostname := flag.String("msa_hostname", hostname, "submission hostname")
	flagMSAAddr := flag.String("msa_addr", ":587", "mail submission address (dual plaintext/TLS banner)")
	flagSMTPSAddr := flag.String("smtps_addr", ":465", "mail submission address (implicit TLS)")

	flagHTTPAddr := flag.String("http_addr", ":80", "address for the HTTP-01 ACME challenge handler")

	flag.Parse()

	log := logrus.New()
	if *flagDev {
		log.SetLevel(logrus.DebugLevel)
	}
	log.Infof("maild %s starting at %s", version, time.Now().Format(time.RFC3339))

	cfg := config.Default()
	cfg.LocalDomains = splitCommaList(*flagDomains)
	cfg.TrustedRelayIPs = splitCommaList(*flagTrustedIPs)

	var tlsConfig *tls.Config
	var certManager *autocert.Manager
	if *flagDev {
		log.Warn("***DEVELOPMENT MODE*** using local mkcert CA")
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatalf("devcert: %v", err)
		}
		if len(cfg.LocalDomains) == 0 {
			cfg.LocalDomains = []string{"localhost"}
		}
	} else {
		if *flagDBDir == "" {
			log.Fatal("-dbdir is required outside -dev mode")
		}
		if len(cfg.LocalDomains) == 0 {
			log.Fatal("-domains is required outside -dev mode")
		}
		var hosts []string
		hosts = appendUnique(hosts, *flagIMAPHostname)
		hosts = appendUnique(hosts, *flagSMTPHostname)
		hosts = appendUnique(hosts, *flagMSAHostname)
		tlsConfig, certManager = tlsaccept.AutocertConfig(hosts, *flagDBDir)
	}

	var repo store.Repository
	var spool *blobstore.Spool
	if *flagDev {
		mem := memstore.New(cfg.LocalDomains, cfg.TrustedRelayIPs)
		repo = mem
		tmpdir, err := os.MkdirTemp("", "maild-dev-")
		if err != nil {
			log.Fatalf("tempdir: %v", err)
		}
		spool = blobstore.New(tmpdir)
	} else {
		blobDir := filepath.Join(*flagDBDir, "blobs")
		if err := os.MkdirAll(blobDir, 0700); err != nil {
			log.Fatalf("blobdir: %v", err)
		}
		sq, err := sqlitestore.Open(filepath.Join(*flagDBDir, "maild.db"), blobDir, cfg.LocalDomains, cfg.TrustedRelayIPs)
		if err != nil {
			log.Fatalf("sqlitestore: %v", err)
		}
		repo = sq
		spool = blobstore.New(filepath.Join(*flagDBDir, "tmp"))
	}

	sink := events.NewLogrusSink(log)

	smtpSrv := &smtpserver.Server{
		Config: &cfg,
		Repo:   repo,
		Spool:  spool,
		Events: sink,
		Log:    log,
	}
	imapSrv := &imapserver.Server{
		Config: &cfg,
		Repo:   repo,
		Spool:  spool,
		Events: sink,
		Log:    log,
	}

	var wg sync.WaitGroup
	var listeners []net.Listener
	listen := func(addr, hostname string, run func(ln net.Listener, hostname string) error) {
		if addr == "" {
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("listen %s: %v", addr, err)
		}
		listeners = append(listeners, ln)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ln, hostname); err != nil {
				log.WithError(err).Errorf("serve %s", addr)
			}
		}()
	}

	// SMTP: plaintext banner + STARTTLS on 25.
	listen(*flagSMTPAddr, *flagSMTPHostname, func(ln net.Listener, hostname string) error {
		return smtpSrv.Serve(ln, hostname, smtpserver.PortPlain, tlsConfig)
	})
	// Submission: races a banner-delay timer against ClientHello sniffing on 587.
	listen(*flagMSAAddr, *flagMSAHostname, func(ln net.Listener, hostname string) error {
		return smtpSrv.Serve(ln, hostname, smtpserver.PortDual, tlsConfig)
	})
	// Implicit-TLS submission on 465.
	listen(*flagSMTPSAddr, *flagMSAHostname, func(ln net.Listener, hostname string) error {
		return smtpSrv.Serve(ln, hostname, smtpserver.PortImplicit, tlsConfig)
	})

	// IMAP: plaintext greeting + STARTTLS on 143.
	listen(*flagIMAPAddr, *flagIMAPHostname, func(ln net.Listener, hostname string) error {
		return imapSrv.Serve(ln, hostname, tlsConfig)
	})
	// Implicit-TLS IMAP on 993: tlsaccept wraps every accepted conn in
	// TLS before the engine ever sees it, so its own STARTTLS handler
	// just rejects "already in TLS" like it would on any upgraded 143
	// connection.
	listen(*flagIMAPSAddr, *flagIMAPHostname, func(ln net.Listener, hostname string) error {
		wrapped := tlsaccept.New(ln, tlsaccept.Implicit, tlsConfig)
		return imapSrv.Serve(wrapped, hostname, tlsConfig)
	})

	if *flagDebugAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugSrv := &http.Server{Handler: mux}
		go func() {
			ln, err := net.Listen("tcp", *flagDebugAddr)
			if err != nil {
				log.WithError(err).Error("debug listen")
				return
			}
			log.Infof("debug HTTP on %s", ln.Addr())
			if err := debugSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("debug serve")
			}
		}()
	}

	if certManager != nil && *flagHTTPAddr != "" {
		go func() {
			err := http.ListenAndServe(*flagHTTPAddr, certManager.HTTPHandler(nil))
			if err != nil && err != http.ErrServerClosed {
				log.Fatalf("ACME HTTP-01 handler: %v", err)
			}
		}()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	log.Info("shutting down")

	// Stop accepting new connections first; Server.Shutdown only drains
	// sessions already in flight, it doesn't close the listener itself.
	for _, ln := range listeners {
		ln.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var shutdownWG sync.WaitGroup
	shutdownWG.Add(2)
	go func() { smtpSrv.Shutdown(ctx); shutdownWG.Done() }()
	go func() { imapSrv.Shutdown(ctx); shutdownWG.Done() }()
	shutdownWG.Wait()
	wg.Wait()

	if err := spool.Close(ctx); err != nil {
		log.WithError(err).Error("spool close")
	}
	log.Info("maild: shut down")
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(hosts []string, h string) []string {
	if h == "" {
		return hosts
	}
	for _, existing := range hosts {
		if existing == h {
			return hosts
		}
	}
	return append(hosts, h)
}
