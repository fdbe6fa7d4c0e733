package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"peerchat/api"
	"peerchat/call"
	"peerchat/config"
	"peerchat/crypto"
	"peerchat/session"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	keyPair, err := crypto.EnsureKeyPair(cfg.X25519PrivateKeyPath, cfg.X25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing X25519 keypair: %v", err)
	}

	fingerprint := crypto.KeyFingerprint(keyPair.PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Server:          %s\n", cfg.ServerURL)
	fmt.Printf("Public Key:      %s\n", crypto.EncodePublicKey(keyPair.PublicKey))
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))

	identity, err := identityFromEnv(keyPair)
	if err != nil {
		log.Fatalf("startup failed: %v (set PEERCHAT_TOKEN, PEERCHAT_USER_ID and PEERCHAT_NICKNAME)", err)
	}

	sess, err := session.New(session.Config{
		Identity:       identity,
		Client:         api.NewClient(cfg.ServerURL, identity.Token),
		ChatURL:        cfg.ChatSocketURL(identity.Token),
		SignalingURL:   cfg.SignalingSocketURL(identity.Token),
		RingingTimeout: time.Duration(cfg.RingingTimeoutSeconds) * time.Second,
		MessageTTL:     time.Duration(cfg.MessageTTLHours) * time.Hour,
		Observer:       consoleObserver{},
	})
	if err != nil {
		log.Fatalf("startup failed while creating session: %v", err)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		log.Fatalf("startup failed while connecting: %v", err)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// identityFromEnv reads the authenticated identity. Without a complete
// identity no channel may be opened, so missing values abort startup.
func identityFromEnv(keyPair *crypto.KeyPair) (session.Identity, error) {
	token := os.Getenv("PEERCHAT_TOKEN")
	if token == "" {
		return session.Identity{}, session.ErrIncompleteIdentity
	}

	userID, err := strconv.ParseInt(os.Getenv("PEERCHAT_USER_ID"), 10, 64)
	if err != nil || userID == 0 {
		return session.Identity{}, session.ErrIncompleteIdentity
	}

	nickname := os.Getenv("PEERCHAT_NICKNAME")
	if nickname == "" {
		return session.Identity{}, session.ErrIncompleteIdentity
	}

	return session.Identity{
		Token:    token,
		UserID:   userID,
		Nickname: nickname,
		KeyPair:  keyPair,
	}, nil
}

type consoleObserver struct{}

func (consoleObserver) TimelineUpdated(partnerID int64) {
	log.Printf("conversation with %d updated", partnerID)
}

func (consoleObserver) CallStateChanged(state call.State, peerID int64) {
	if peerID != 0 {
		log.Printf("call state %s with peer %d", state, peerID)
		return
	}
	log.Printf("call state %s", state)
}

func (consoleObserver) ChannelClosed(name string, err error) {
	if err != nil {
		log.Printf("%s channel closed: %v", name, err)
		return
	}
	log.Printf("%s channel closed", name)
}
