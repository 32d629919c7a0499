// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/opensv/openwallet/wallet"
	"github.com/opensv/openwallet/wledger"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls
// to os.Exit.  Instead, main runs this function and checks for a
// non-nil error, at which point any defers have already run, and if the
// error is non-nil, the program can be exited with an error exit
// status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer logRotator.Close()

	log.Infof("Version %s", version())

	db, err := openDB(cfg)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	defer db.Close()

	ctx := context.Background()
	store, err := wledger.Open(ctx, db, activeNet.Params)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	defer store.Close()

	w, err := wallet.NewWallet(ctx, &wallet.Config{
		Store:  store,
		Params: activeNet.Params,
	})
	if err != nil {
		log.Errorf("%v", err)
		return err
	}

	if cfg.Create {
		if len(w.Accounts()) != 0 {
			err := fmt.Errorf("wallet already exists in %v",
				cfg.DataDir)
			log.Errorf("%v", err)
			return err
		}
		if err := createWallet(ctx, w); err != nil {
			log.Errorf("Failed to create wallet: %v", err)
			return err
		}
	}

	if err := w.Start(); err != nil {
		log.Errorf("%v", err)
		return err
	}

	// Block until an interrupt or termination signal arrives, then shut
	// down in dependency order.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	log.Infof("Received signal %v, shutting down", sig)

	w.Stop()
	return nil
}

// openDB opens the configured ledger database, creating the data
// directory for the SQLite backend as needed.
func openDB(cfg *config) (*sql.DB, error) {
	switch cfg.DBBackend {
	case "postgres":
		return sql.Open("pgx", cfg.PostgresDSN)

	default:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		dbPath := filepath.Join(cfg.DataDir, walletDBName)
		dsn := fmt.Sprintf("file:%s?mode=rwc&_fk=1", dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// The ledger has a single writer; one connection avoids
		// SQLITE_BUSY contention.
		db.SetMaxOpenConns(1)
		return db, nil
	}
}
