// Command mock-server runs the reference service locally so a client can
// be developed and tested without the real one.
package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/logging"
	"github.com/ZentaChain/nocksup/pkg/server"
)

var (
	listen      = flag.String("listen", "/ip4/127.0.0.1/tcp/5222", "multiaddr to listen on, append /ws for WebSocket")
	keyPath     = flag.String("key", "./keys/root.pem", "root signing key (PEM)")
	pubPath     = flag.String("pub", "", "where to write the root public key (default <key>.pub)")
	generateKey = flag.Bool("genkey", false, "generate a new root key even if one exists")
	issuer      = flag.String("issuer", "nocksup", "certificate issuer")
	autoConfirm = flag.Duration("auto-confirm", 0, "confirm pairings automatically after this delay")
	logLevel    = flag.String("log-level", "info", "log level")
	logFormat   = flag.String("log-format", "console", "log format (console or json)")
)

func main() {
	flag.Parse()

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	root, err := loadOrGenerateKey(*keyPath, *generateKey)
	if err != nil {
		log.Fatal("root key", zap.Error(err))
	}
	pub := *pubPath
	if pub == "" {
		pub = *keyPath + ".pub"
	}
	pubPEM, err := crypto.ExportPublicKeyPEM(root.Public().(ed25519.PublicKey))
	if err != nil {
		log.Fatal("export public key", zap.Error(err))
	}
	if err := crypto.SaveKeyToFile(pub, pubPEM); err != nil {
		log.Fatal("write public key", zap.Error(err))
	}

	cfg := server.DefaultConfig()
	cfg.ListenAddr = *listen
	cfg.RootKey = root
	cfg.Issuer = *issuer
	cfg.AutoConfirm = *autoConfirm
	cfg.Logger = log

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal("create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		log.Fatal("start server", zap.Error(err))
	}
	log.Info("mock service ready",
		zap.String("endpoint", srv.Addr()),
		zap.String("root_key_file", pub))
	if *autoConfirm == 0 {
		fmt.Println("Type a pairing reference or link code and press enter to confirm it.")
		go confirmFromStdin(srv, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := srv.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
}

// confirmFromStdin plays the primary device for each line typed
func confirmFromStdin(srv *server.Server, log *zap.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// a full scan payload starts with the reference
		ref, _, _ := strings.Cut(line, ",")
		if err := srv.ConfirmPairing(ref); err != nil {
			log.Warn("confirm pairing", zap.Error(err))
			continue
		}
		log.Info("pairing confirmed", zap.String("ref", ref))
	}
}

func loadOrGenerateKey(path string, regenerate bool) (ed25519.PrivateKey, error) {
	if !regenerate {
		data, err := crypto.LoadKeyFromFile(path)
		switch {
		case err == nil:
			return crypto.ImportPrivateKeyPEM(data)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pemData, err := crypto.ExportPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyToFile(path, pemData); err != nil {
		return nil, err
	}
	fmt.Printf("Generated root key %s at %s\n", time.Now().Format(time.RFC3339), path)
	return key, nil
}
