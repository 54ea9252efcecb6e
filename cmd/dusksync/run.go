package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dusk-network/dusk-bft-sync/pkg/bft/storage"
	"github.com/dusk-network/dusk-bft-sync/pkg/bft/types"
	"github.com/dusk-network/dusk-bft-sync/pkg/config"
	"github.com/dusk-network/dusk-bft-sync/pkg/gateway"
	gwire "github.com/dusk-network/dusk-bft-sync/pkg/gateway/wire"
	"github.com/dusk-network/dusk-bft-sync/pkg/ledger"
	"github.com/dusk-network/dusk-bft-sync/pkg/sync/blocksync"
	"github.com/dusk-network/dusk-bft-sync/pkg/sync/coordinator"
	"github.com/dusk-network/dusk-bft-sync/pkg/txstore"
	"github.com/dusk-network/dusk-bft-sync/pkg/worker"
	"github.com/dusk-network/dusk-bft-sync/wallet"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var numWorkers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a dusksync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, numWorkers)
		},
	}

	cmd.Flags().IntVar(&numWorkers, "workers", 8, "number of transmission worker shards")
	return cmd
}

// committeeView implements gateway.CommitteeSource. IsCommitteeMember
// applies the spec's authorized-validator predicate: a validator is
// authorized if it sits in the committee lookback for the current storage
// round, the current ledger committee, or any lookback at even rounds from
// the round of block (tip - MaxBlocksBehind) up to, but not including, the
// current storage round. This leniency lets a newly-bonded validator connect immediately
// and keeps a freshly-unbonded one reachable until the next block lands.
type committeeView struct {
	ledger  ledger.Service
	storage *storage.Store
}

func (c committeeView) IsCommitteeMember(addr wallet.Address) bool {
	currentRound := c.storage.CurrentRound()

	if committee, err := c.ledger.GetCommitteeLookbackForRound(currentRound); err == nil && committee.IsMember(addr) {
		return true
	}

	if c.ledger.CurrentCommittee().IsMember(addr) {
		return true
	}

	tip := c.ledger.LatestBlock().Height
	var previousHeight uint32
	if tip > types.MaxBlocksBehind {
		previousHeight = tip - types.MaxBlocksBehind
	}

	block, ok := c.ledger.GetBlock(previousHeight)
	if !ok {
		return false
	}

	for round := block.Round; round < currentRound; round += 2 {
		committee, err := c.ledger.GetCommitteeLookbackForRound(round)
		if err != nil {
			continue
		}
		if committee.IsMember(addr) {
			return true
		}
	}
	return false
}

func (c committeeView) RestrictionsID() types.CertID       { return c.ledger.RestrictionsID() }
func (c committeeView) BlockLocators() types.BlockLocators { return c.ledger.GetBlockLocators() }

func run(configPath string, numWorkers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.ConfigureLogger(cfg.Logger); err != nil {
		return err
	}

	kp, err := wallet.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("run: generating node identity: %w", err)
	}
	log.WithField("address", kp.Address.String()).Info("dusksync: node identity")

	genesis := &types.Block{Height: 0}
	committee := ledger.Committee{Members: []wallet.Address{kp.Address}, StartingRound: 1}
	ledgerSvc := ledger.NewMemory(genesis, committee)

	txStore := txstore.NewMemory()
	certStore := storage.New(ledgerSvc, txStore, cfg.Storage.MaxGCRounds)

	gw := gateway.New(gateway.Config{
		ListenPort:            cfg.Gateway.Port,
		Self:                  kp.Address,
		Sign:                  kp.Sign,
		Committee:             committeeView{ledger: ledgerSvc, storage: certStore},
		MaxConnectionAttempts: cfg.Gateway.MaxConnectionAttempts,
	})

	engine := blocksync.New(ledgerSvc, gateway.NewSyncSender(gw), cfg.Sync.RedundancyFactor)
	coord := coordinator.New(ledgerSvc, certStore, engine, uint32(cfg.Storage.MaxGCRounds))

	pool := worker.NewWorkerPool(numWorkers)
	pool.Start()
	defer pool.Stop()

	gw.SetHandlers(gateway.Handlers{
		OnBlockRequest:       onBlockRequest(ledgerSvc),
		OnBlockResponse:      onBlockResponse(engine, coord),
		OnCertificateRequest: onCertificateRequest(certStore),
		OnPrimaryPing:        onPrimaryPing(engine, coord),
	})

	if err := gw.Listen(); err != nil {
		return err
	}
	log.WithField("port", cfg.Gateway.Port).Info("dusksync: gateway listening")

	for _, addr := range cfg.Gateway.SeedAddresses {
		addr := addr
		go func() {
			if _, err := gw.Dial(addr); err != nil {
				log.WithError(err).WithField("seed", addr).Warn("dusksync: failed to connect to seed")
			}
		}()
	}

	go syncLoop(engine, coord)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("dusksync: shutting down")
	return gw.Close()
}

func syncLoop(engine *blocksync.Engine, coord *coordinator.Coordinator) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := engine.TryBlockSync(); err != nil {
			log.WithError(err).Debug("dusksync: block sync attempt failed")
		}
		if err := coord.SyncStorageWithBlocks(); err != nil {
			log.WithError(err).Warn("dusksync: ledger advancement failed")
		}
	}
}

func onBlockRequest(ledgerSvc ledger.Service) func(*gateway.Peer, *gwire.BlockRequest) {
	return func(p *gateway.Peer, req *gwire.BlockRequest) {
		var blocks []*types.Block
		for h := req.StartHeight; h < req.EndHeight && h < req.StartHeight+types.MaximumBlocksPerResponse; h++ {
			b, ok := ledgerSvc.GetBlock(h)
			if !ok {
				break
			}
			blocks = append(blocks, b)
		}
		if err := p.Send(&gwire.BlockResponse{Blocks: blocks}); err != nil {
			log.WithError(err).Debug("dusksync: failed to send block response")
		}
	}
}

func onBlockResponse(engine *blocksync.Engine, coord *coordinator.Coordinator) func(*gateway.Peer, *gwire.BlockResponse) {
	return func(p *gateway.Peer, resp *gwire.BlockResponse) {
		if err := engine.ProcessBlockResponse(gateway.PeerIDOf(p.Address), resp.Blocks); err != nil {
			log.WithError(err).WithField("peer", p.Address.String()).Debug("dusksync: rejecting block response")
			return
		}
		if err := coord.SyncStorageWithBlocks(); err != nil {
			log.WithError(err).Warn("dusksync: ledger advancement failed")
		}
	}
}

func onCertificateRequest(store *storage.Store) func(*gateway.Peer, *gwire.CertificateRequest) {
	return func(p *gateway.Peer, req *gwire.CertificateRequest) {
		var certs []*types.BatchCertificate
		for _, id := range req.IDs {
			if c, ok := store.GetCertificate(id); ok {
				certs = append(certs, c)
			}
		}
		if err := p.Send(&gwire.CertificateResponse{Certificates: certs}); err != nil {
			log.WithError(err).Debug("dusksync: failed to send certificate response")
		}
	}
}

func onPrimaryPing(engine *blocksync.Engine, coord *coordinator.Coordinator) func(*gateway.Peer, *gwire.PrimaryPing) {
	return func(p *gateway.Peer, ping *gwire.PrimaryPing) {
		if err := engine.UpdatePeerLocators(gateway.PeerIDOf(p.Address), ping.Locators); err != nil {
			log.WithError(err).WithField("peer", p.Address.String()).Debug("dusksync: ignoring malformed locators")
			return
		}
		if err := engine.TryBlockSync(); err != nil {
			log.WithError(err).Debug("dusksync: block sync attempt failed")
		}
		if err := coord.SyncStorageWithBlocks(); err != nil {
			log.WithError(err).Warn("dusksync: ledger advancement failed")
		}
	}
}
