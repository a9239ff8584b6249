package spilldb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/acme/autocert"
	"quillbox.dev/quillbox/email/msgbuilder"
	"quillbox.dev/quillbox/imap/imapparser"
	"quillbox.dev/quillbox/imap/imapserver"
	"quillbox.dev/quillbox/notifier"
	"quillbox.dev/quillbox/pop3/pop3server"
	"quillbox.dev/quillbox/spilldb/boxmgmt"
	"quillbox.dev/quillbox/spilldb/db"
	"quillbox.dev/quillbox/spilldb/imapdb"
	"quillbox.dev/quillbox/spilldb/pop3db"
)

// Server hosts the IMAP, POP3, and JMAP-change-log surfaces over one
// spilldb database. Inbound/outbound SMTP is an explicit non-goal (spec
// §1): messages arrive in a mailbox's sqlite storage the way tests
// populate it, via MessageStore/Submitter stand-ins (email/msgbuilder,
// email/msgcleaver), not through a live SMTP listener.
type Server struct {
	Filer *iox.Filer
	DB    *sqlitex.Pool

	CertManager *autocert.Manager
	Version     string
	APNSCert    *tls.Certificate

	BoxMgmt    *boxmgmt.BoxMgmt
	MsgBuilder *msgbuilder.Builder
	Logf       func(format string, v ...interface{})

	// Notifier is the Redis-backed worker registry (spec §4.H); nil
	// means this process runs without cross-worker wakeup, which is
	// fine for a single-worker deployment or tests.
	Notifier *notifier.Worker

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error
}

func New(filer *iox.Filer, dbDir string) (*Server, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	s := &Server{
		Filer: filer,
		Logf:  log.Printf,
	}

	dbfile := "file::memory:?mode=memory"
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0770); err != nil {
			return nil, fmt.Errorf("spilldb: initialize dbdir: %v", err)
		}
		dbfile = filepath.Join(dbDir, "spilld.db")
	}

	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("spilldb: open main db: %v", err)
	}
	if err := db.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spilldb: init main db: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("spilldb: init main db close: %v", err)
	}

	s.DB, err = sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("spilldb: open main pool: %v", err)
	}

	s.BoxMgmt, err = boxmgmt.New(filer, s.DB, dbDir)
	if err != nil {
		s.DB.Close()
		return nil, err
	}

	s.MsgBuilder = &msgbuilder.Builder{Filer: filer}

	return s, nil
}

// EnableNotifier wires a Redis-backed notifier.Worker into every user
// mailbox this server opens, so a message delivered on one worker wakes
// a live IMAP/JMAP session held by another (spec §4.H). Call before
// Serve; mailboxes opened earlier (there shouldn't be any yet) won't
// pick it up.
func (s *Server) EnableNotifier(w *notifier.Worker) {
	s.Notifier = w
	s.BoxMgmt.RegisterNotifier(&workerNotifier{w: w, logf: s.Logf})
}

// workerNotifier adapts notifier.Worker's user-keyed Fire to imap.Notifier's
// APNS-oriented callback shape, so IMAP mailbox changes also wake remote
// JMAP/IMAP sessions through the same Redis fan-out spilldb/jmapdb uses
// for JMAP mutations, rather than running two disjoint wakeup paths.
type workerNotifier struct {
	w    *notifier.Worker
	logf func(format string, v ...interface{})
}

func (n *workerNotifier) Notify(userID int64, mailboxID int64, mailboxName string, devices []imapparser.ApplePushDevice) {
	user := fmt.Sprintf("%d", userID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, _ := json.Marshal(map[string]interface{}{
			"mailboxId":   mailboxID,
			"mailboxName": mailboxName,
		})
		if err := n.w.Fire(ctx, user, payload); err != nil {
			n.logf("spilldb: notifier fire user=%s: %v", user, err)
		}
	}()
}

type ServerAddr struct {
	Hostname  string
	Ln        net.Listener
	TLSConfig *tls.Config
}

// Serve starts the IMAP and POP3 listeners. SMTP in/out has no listener
// here (spec §1 non-goal); messages reach a mailbox through the storage
// layer directly, not through this method.
func (s *Server) Serve(imap, pop3 []ServerAddr) error {
	errCh := make(chan error, 8)

	var wg sync.WaitGroup

	for i, addr := range imap {
		i, addr := i, addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveIMAP(addr, i == 0); err != nil {
				errCh <- fmt.Errorf("spilldb IMAP %s: %v", addr.Hostname, err)
			}
		}()
	}

	for _, addr := range pop3 {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("spilldb: POP3 %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.servePOP3(addr); err != nil {
				if err != pop3server.ErrServerClosed {
					errCh <- fmt.Errorf("spilldb POP3 %s: %v", addr.Hostname, err)
				}
			}
			s.Logf("spilldb: POP3 %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Logf("spilldb: shutdown started")

	shutdownDone := make(chan struct{}, 1)
	go func() {
		select {
		case <-shutdownDone:
		case <-ctx.Done():
			s.Logf("spilldb: shutdown time out, becoming less graceful")
		}
	}()

	// Stage 1: shut down the serving elements.
	var wg sync.WaitGroup

	s.shutdownFnsMu.Lock()
	errCh := make(chan error, len(s.shutdownFns))
	for _, fn := range s.shutdownFns {
		wg.Add(1)
		fn := fn
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.shutdownFns = nil
	s.shutdownFnsMu.Unlock()

	// Stage 2: bring down the database and filer.
	if err := s.DB.Close(); err != nil {
		s.Logf("spilldb: DB shutdown: %v", err)
	}
	s.Logf("spilldb: DB shutdown")

	s.Filer = nil

	shutdownDone <- struct{}{}
	s.Logf("spilldb: shutdown complete")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) tlsConfig(addr ServerAddr) (*tls.Config, error) {
	if addr.TLSConfig != nil {
		return addr.TLSConfig, nil
	}
	config := &tls.Config{}

	if s.CertManager != nil {
		hello := &tls.ClientHelloInfo{ServerName: addr.Hostname}
		cert, err := s.CertManager.GetCertificate(hello)
		if err != nil {
			return nil, err
		}
		//config.GetCertificate = s.certManager.GetCertificate TODO ???
		config.Certificates = append(config.Certificates, *cert)
	}
	return config, nil
}

func (s *Server) serveIMAP(addr ServerAddr, first bool) error {
	tlsConfig, err := s.tlsConfig(addr)
	if err != nil {
		return err
	}

	imap := imapdb.New(tlsConfig, s.DB, s.Filer, s.BoxMgmt, s.Logf)
	imap.Version = s.Version

	if s.APNSCert != nil {
		imap.APNS = &imapserver.APNS{
			Certificate: *s.APNSCert,
		}
		// We only want one APNS notifier running, but we have two IMAP servers.
		imap.NotifyAPNS = first
	}

	s.addShutdownFn(imap.Shutdown)

	apnsLog := ""
	if imap.NotifyAPNS {
		apnsLog = " with APNS"
	}
	s.Logf("spilldb: IMAP %s, %s: starting%s", addr.Hostname, addr.Ln.Addr(), apnsLog)
	defer s.Logf("spilldb: IMAP %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())

	if err := imap.ServeTLS(addr.Ln); err != nil {
		if err != imapserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

func (s *Server) servePOP3(addr ServerAddr) error {
	tlsConfig, err := s.tlsConfig(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pop3 := pop3db.New(ctx, tlsConfig, s.DB, s.Filer, s.BoxMgmt, s.Logf)
	pop3.Hostname = addr.Hostname

	s.addShutdownFn(pop3.Shutdown)

	if err := pop3.ServeSTARTTLS(addr.Ln); err != nil {
		if err != pop3server.ErrServerClosed {
			return err
		}
	}
	return nil
}
