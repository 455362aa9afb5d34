// Command courier drives the message synchronization core from the
// terminal: handshake login, sending, backlog reconciliation, and live
// watch. All real work happens in the internal packages; this is
// wiring only.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/codec"
	"github.com/nhle/courier/internal/credential"
	"github.com/nhle/courier/internal/handshake"
	"github.com/nhle/courier/internal/inbox"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
	"github.com/nhle/courier/internal/push"
	"github.com/nhle/courier/internal/store"
	courisync "github.com/nhle/courier/internal/sync"
	"github.com/nhle/courier/internal/thread"
	"github.com/nhle/courier/internal/upload"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := model.LoadConfig(model.DefaultConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	creds, err := credential.OpenKeyring()
	if err != nil {
		log.Fatal().Err(err).Msg("opening credential store")
	}

	app := &app{cfg: cfg, creds: creds, log: log}

	var runErr error
	switch os.Args[1] {
	case "login":
		runErr = app.login(os.Args[2:])
	case "finalize":
		runErr = app.finalize(os.Args[2:])
	case "send":
		runErr = app.send(os.Args[2:])
	case "sync":
		runErr = app.sync(os.Args[2:])
	case "watch":
		runErr = app.watch(os.Args[2:])
	case "list":
		runErr = app.list(os.Args[2:])
	case "read":
		runErr = app.read(os.Args[2:])
	case "logout":
		runErr = app.logout()
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: courier <command> [flags]

commands:
  login      start a handshake and print the provider redirect URL
  finalize   complete a handshake from the redirect values
  send       upload a message to a drive
  sync       drain the inbox backlog for all configured drives
  watch      sync, then follow live notifications until interrupted
  list       show cached messages grouped by thread
  read       mark a cached message as read
  logout     destroy the stored session`)
}

type app struct {
	cfg   *model.AppConfig
	creds credential.Store
	log   zerolog.Logger
}

// defaultDBPath returns ~/.local/share/courier/courier.db.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "courier.db"
	}
	return filepath.Join(home, ".local", "share", "courier", "courier.db")
}

// openStore opens the local cache, creating its directory if needed.
func (a *app) openStore() (*store.SQLiteStore, error) {
	path := defaultDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}

// session loads the persisted session or explains how to get one.
func (a *app) session() (*model.Session, error) {
	ex := handshake.New(a.creds, a.log)
	s, err := ex.Session()
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, errors.New("not logged in; run 'courier login' first")
		}
		return nil, err
	}
	return s, nil
}

// drives returns the configured drive list.
func (a *app) drives() []model.Drive {
	drives := make([]model.Drive, len(a.cfg.Drives))
	for i, d := range a.cfg.Drives {
		drives[i] = d.Drive()
	}
	return drives
}

func (a *app) login(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	returnTarget := fs.String("return-target", a.cfg.Provider.ReturnTarget, "redirect target after approval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ex := handshake.New(a.creds, a.log)
	req, err := ex.Begin(
		a.cfg.Provider.AppID,
		[]handshake.Permission{handshake.PermissionRead, handshake.PermissionWrite, handshake.PermissionDistribute},
		a.drives(),
		*returnTarget,
	)
	if err != nil {
		return err
	}

	u, err := req.RedirectURL(a.cfg.Provider.BaseURL + "/authorize")
	if err != nil {
		return err
	}

	fmt.Println("open this URL in your browser to approve the application:")
	fmt.Println(u.String())
	fmt.Println("then run: courier finalize --identity <id> --public-key <pk> --salt <salt>")
	return nil
}

func (a *app) finalize(args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	identity := fs.String("identity", "", "authenticated identity")
	publicKey := fs.String("public-key", "", "remote public key (base64url)")
	salt := fs.String("salt", "", "handshake salt (base64url)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	remotePub, err := base64.RawURLEncoding.DecodeString(*publicKey)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	saltBytes, err := base64.RawURLEncoding.DecodeString(*salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	ex := handshake.New(a.creds, a.log)
	session, err := ex.Finalize(*identity, remotePub, saltBytes)
	if err != nil {
		return err
	}

	fmt.Printf("logged in as %s\n", session.Identity)
	return nil
}

func (a *app) logout() error {
	ex := handshake.New(a.creds, a.log)
	if err := ex.Logout(); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func (a *app) send(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	driveKey := fs.String("drive", "", "target drive (alias:type)")
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "message body")
	to := fs.String("to", "", "comma-separated recipient identities")
	attach := fs.String("attach", "", "comma-separated files to attach")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *driveKey == "" {
		return errors.New("send: --drive is required")
	}

	session, err := a.session()
	if err != nil {
		return err
	}
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var recipients []string
	if *to != "" {
		recipients = strings.Split(*to, ",")
	}

	var files []codec.File
	if *attach != "" {
		for _, path := range strings.Split(*attach, ",") {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading attachment %s: %w", path, err)
			}
			files = append(files, codec.File{
				Name:        filepath.Base(path),
				ContentType: contentTypeFor(path),
				Data:        data,
			})
		}
	}

	client := provider.NewHTTPClient(a.cfg.Provider.BaseURL, session, a.log)
	pipeline := upload.New(
		client, codec.New(nil), db, session, codec.KindMail,
		func(local *model.MessageEntity) {
			a.log.Warn().Str("entity", local.ID).Msg("edit conflicts with a newer remote version")
		},
		a.log,
	)

	entity := &model.MessageEntity{
		Drive:      model.ParseDriveKey(*driveKey),
		Subject:    *subject,
		Body:       *body,
		Sender:     session.Identity,
		Recipients: recipients,
	}

	sent, err := pipeline.Send(context.Background(), entity, files)
	if err != nil {
		if upload.IsPartialDelivery(err) {
			fmt.Printf("sent %s, but some recipients were not reached: %v\n", sent.FileID, err)
			return nil
		}
		return err
	}

	fmt.Printf("sent %s\n", sent.FileID)
	return nil
}

// contentTypeFor guesses an attachment content type from its extension.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}

func (a *app) sync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := a.session()
	if err != nil {
		return err
	}
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	client := provider.NewHTTPClient(a.cfg.Provider.BaseURL, session, a.log)
	rec := inbox.New(client, db, codec.New(nil), session, a.cfg.Sync.BatchSize, a.log)

	n, err := rec.Drain(context.Background(), a.drives())
	if err != nil {
		return err
	}
	fmt.Printf("synced %d item(s)\n", n)
	return nil
}

func (a *app) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	driveKey := fs.String("drive", "", "limit to one drive (alias:type)")
	unread := fs.Bool("unread", false, "only unread messages")
	limit := fs.Int("limit", 100, "maximum messages to load")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	filter := store.MessageFilter{
		SortBy:   "updated_at",
		SortDesc: true,
		Limit:    *limit,
	}
	if *driveKey != "" {
		filter.Drive = driveKey
	}
	if *unread {
		u := true
		filter.Unread = &u
	}

	msgs, err := db.GetMessages(context.Background(), filter)
	if err != nil {
		return err
	}

	groups := thread.GroupByThread(msgs, thread.Descending)
	for threadID, group := range groups {
		fmt.Printf("thread %s (%d message(s))\n", threadID, len(group))
		for _, m := range group {
			marker := " "
			if !m.IsRead {
				marker = "*"
			}
			if thread.IsDraft(m) {
				marker = "d"
			}
			fmt.Printf("  %s %s  %s  %s  %s\n",
				marker, m.ID, thread.EffectiveTime(m).Format("2006-01-02 15:04"),
				m.Sender, m.Subject)
		}
	}
	return nil
}

func (a *app) read(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	id := fs.String("id", "", "local message id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("read: --id is required")
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.MarkRead(context.Background(), *id)
}

func (a *app) watch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := a.session()
	if err != nil {
		return err
	}
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := provider.NewHTTPClient(a.cfg.Provider.BaseURL, session, a.log)
	rec := inbox.New(client, db, codec.New(nil), session, a.cfg.Sync.BatchSize, a.log)
	drives := a.drives()

	// The bridge refuses to start until this first drain resolves.
	if _, err := rec.Drain(ctx, drives); err != nil {
		a.log.Warn().Err(err).Msg("initial drain failed; will retry on reconnect")
	}

	bridge := push.New(client, rec, a.log)
	sub, err := bridge.Enable(ctx, drives, nil)
	if err != nil {
		if !push.IsSubscriptionFailure(err) {
			return err
		}
		// The push channel could not be opened; fall back to interval
		// polling so the cache still converges.
		a.log.Warn().Err(err).Msg("push unavailable; polling instead")
		poller := courisync.New(rec, a.cfg.Sync.PollInterval, a.log)
		for _, d := range drives {
			poller.RegisterDrive(d)
		}
		poller.Start()
		defer poller.Stop()

		<-ctx.Done()
		return nil
	}
	defer bridge.Disable()

	a.log.Info().Bool("online", sub.Online()).Msg("watching for updates")
	<-ctx.Done()
	return nil
}
