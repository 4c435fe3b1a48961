package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MapBoard/internal/config"
	"MapBoard/internal/export"
	mbnet "MapBoard/internal/net"
	"MapBoard/internal/permission"
	"MapBoard/internal/session"
	"MapBoard/internal/state"
)

func main() {
	join := flag.String("join", "", "session name or host:port to join as a guest")
	configPath := flag.String("config", "mapboard.yaml", "path to the host config file")
	imagePath := flag.String("image", "", "image file to share when hosting")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	store, err := state.OpenStore(filepath.Join(cfg.DataDir, "mapboard.db"))
	if err != nil {
		logger.Fatal("open snapshot store", zap.Error(err))
	}
	defer store.Close()

	doc := state.NewDocument()
	if snap, ok, err := store.Load(); err != nil {
		logger.Warn("discarding unreadable snapshot", zap.Error(err))
	} else if ok {
		doc.Restore(snap)
		logger.Info("snapshot restored",
			zap.Int("pins", len(snap.Pins)), zap.Int("lines", len(snap.Lines)))
	}
	doc.SetSettings(cfg.HostSettings())

	sess := session.New(logger, doc, session.Callbacks{
		DocumentChanged: func() {
			if err := store.Save(doc.Snapshot()); err != nil {
				logger.Warn("save snapshot", zap.Error(err))
			}
		},
		PermissionChanged: func(status permission.Status, expiresAt int64) {
			logger.Info("permission", zap.String("status", string(status)),
				zap.Int64("expiresAt", expiresAt))
		},
		PermissionRequested: func(peerID string) {
			fmt.Printf("guest %s requests edit permission: 'grant %s' or 'deny %s'\n",
				peerID, peerID, peerID)
		},
		GuestListChanged: func(guests []session.GuestInfo) {
			logger.Info("guest list changed", zap.Int("count", len(guests)))
		},
		ConnectionStateChanged: func(s session.ConnState) {
			logger.Info("connection state", zap.String("state", string(s)))
		},
		Notice: func(text string) {
			fmt.Println("notice:", text)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *join != "" {
		runGuest(ctx, logger, sess, *join)
	} else {
		runHost(ctx, logger, sess, cfg, *configPath, *imagePath)
	}

	if err := store.Save(doc.Snapshot()); err != nil {
		logger.Warn("save snapshot on exit", zap.Error(err))
	}
}

func runHost(ctx context.Context, logger *zap.Logger, sess *session.Session, cfg config.Config, configPath, imagePath string) {
	if imagePath != "" {
		if err := shareImage(sess, imagePath); err != nil {
			logger.Fatal("share image", zap.Error(err))
		}
	}

	server := mbnet.NewServer(logger, sess)
	if err := server.Start(cfg.Port); err != nil {
		logger.Fatal("start host server", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	announcer, err := mbnet.Advertise(cfg.SessionName, cfg.Port)
	if err != nil {
		logger.Warn("mDNS advertise failed; guests must join by address", zap.Error(err))
	} else {
		defer announcer.Shutdown()
	}

	if ip, err := mbnet.OutgoingIP(); err == nil {
		fmt.Printf("hosting session %q, guests join with -join %s:%d\n",
			cfg.SessionName, ip, cfg.Port)
	}

	go func() {
		if err := config.Watch(ctx, logger, configPath, func(c config.Config) {
			sess.UpdateSettings(c.HostSettings())
		}); err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	commandLoop(ctx, sess)
}

func runGuest(ctx context.Context, logger *zap.Logger, sess *session.Session, target string) {
	addr := target
	if !strings.Contains(target, ":") {
		resolved, err := mbnet.Resolve(target, 3*time.Second)
		if err != nil {
			logger.Fatal("resolve session", zap.Error(err))
		}
		addr = resolved
	}

	conn, err := mbnet.Dial(logger, sess, addr, sess.SelfID())
	if err != nil {
		logger.Fatal("join session", zap.Error(err))
	}
	defer conn.Close()

	commandLoop(ctx, sess)
}

// commandLoop is the stand-in UI collaborator: it translates console commands
// into session operations until EOF or a signal.
func commandLoop(ctx context.Context, sess *session.Session) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(sess, strings.Fields(line)); quit {
				return
			}
		}
	}
}

func runCommand(sess *session.Session, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "pin":
		if len(args) < 3 {
			fmt.Println("usage: pin <x> <y> [text]")
			return false
		}
		x, errX := strconv.ParseFloat(args[1], 64)
		y, errY := strconv.ParseFloat(args[2], 64)
		if errX != nil || errY != nil || x < 0 || x > 1 || y < 0 || y > 1 {
			fmt.Println("coordinates must be numbers in [0,1]")
			return false
		}
		if !sess.CanEdit() {
			fmt.Println("you are view-only; use 'request' first")
			return false
		}
		sess.AddPin(state.Pin{
			ID:    uuid.NewString(),
			X:     x,
			Y:     y,
			Color: "#ef4444",
			Text:  strings.Join(args[3:], " "),
		})
	case "del":
		if len(args) != 2 {
			fmt.Println("usage: del <pin-id>")
			return false
		}
		if sess.CanEdit() {
			sess.RemovePin(args[1])
		}
	case "undo":
		if sess.CanEdit() {
			sess.UndoLine()
		}
	case "request":
		sess.RequestPermission()
	case "grant":
		if len(args) == 2 {
			sess.Grant(args[1])
		}
	case "deny":
		if len(args) == 2 {
			sess.Deny(args[1])
		}
	case "revoke":
		if len(args) == 2 {
			sess.Revoke(args[1])
		}
	case "guests":
		for _, g := range sess.GuestList() {
			fmt.Printf("%s  %s  permission=%v\n", g.ID, g.Label, g.HasPermission)
		}
	case "image":
		if len(args) != 2 {
			fmt.Println("usage: image <path>")
			return false
		}
		if err := shareImage(sess, args[1]); err != nil {
			fmt.Println("image:", err)
		}
	case "export":
		if len(args) != 2 {
			fmt.Println("usage: export <path.pdf>")
			return false
		}
		if err := export.PDF(args[1], sess.Document().Snapshot()); err != nil {
			fmt.Println("export:", err)
		}
	case "status":
		status, expiresAt := sess.Permission()
		fmt.Printf("role=%s permission=%s expiresAt=%d pins=%d lines=%d\n",
			sess.Role(), status, expiresAt,
			len(sess.Document().Pins()), len(sess.Document().Lines()))
	case "quit", "exit":
		return true
	default:
		fmt.Println("commands: pin del undo request grant deny revoke guests image export status quit")
	}
	return false
}

// shareImage loads an image file, measures it and installs it as the shared
// document image (as a data URL, mirroring what browsers exchange).
func shareImage(sess *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	ref := "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(data)
	sess.SetImage(ref, state.ImageSize{Width: cfg.Width, Height: cfg.Height})
	return nil
}
