package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/core"
	"synnergy-network/internal/rpcserver"
	"synnergy-network/pkg/config"
)

// Exit codes per spec §6.
const (
	exitClean             = 0
	exitConfigError       = 64
	exitKeyActivationErr  = 65
	exitStorageCorruption = 70
	exitNetworkUnreachable = 75
	exitSIGINT            = 130
)

func main() {
	root := &cobra.Command{Use: "qnet-node"}
	root.AddCommand(startCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(activationCmd())
	root.AddCommand(rewardsCmd())
	root.AddCommand(configCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the node's round loop and RPC surface",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runNode(env))
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running node's get_status RPC",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := http.Get(addr + "/rpc/get_status")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitNetworkUnreachable)
			}
			defer resp.Body.Close()
			var out map[string]interface{}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(b))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8645", "node RPC base address")
	return cmd
}

func activationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activation", Short: "activation helpers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "history [wallet]",
		Short: "print which node RPC to use for a wallet (does not query burn history)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("use the request_activation_token RPC against a running node for %s\n", args[0])
		},
	})
	return cmd
}

func rewardsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rewards", Short: "reward ledger helpers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "claim [address]",
		Short: "print the claim RPC request for an address (sends nothing)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("POST /rpc/claim {\"address\":%q} against a running node\n", args[0])
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "load and print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(env)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}
			b, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(b))
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

// httpBurnOracle verifies burns against the configured oracle endpoint.
type httpBurnOracle struct {
	endpoint string
	client   *http.Client
}

func (o *httpBurnOracle) VerifyBurn(ctx context.Context, wallet core.Address, requiredUnits uint64) (core.BurnProof, error) {
	if o.endpoint == "" {
		return core.BurnProof{}, core.NewError(core.KindTransient, "activation: no oracle endpoint configured", nil)
	}
	url := fmt.Sprintf("%s?wallet=%s&required=%d", o.endpoint, wallet.Hex(), requiredUnits)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.BurnProof{}, core.NewError(core.KindTransient, "activation: build oracle request", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return core.BurnProof{}, core.NewError(core.KindTransient, "activation: oracle unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.BurnProof{}, core.NewError(core.KindTransient, "activation: oracle returned non-200", nil)
	}
	var proof core.BurnProof
	if err := json.NewDecoder(resp.Body).Decode(&proof); err != nil {
		return core.BurnProof{}, core.NewError(core.KindTransient, "activation: malformed oracle response", err)
	}
	return proof, nil
}

func runNode(env string) int {
	log := logrus.StandardLogger()

	cfg, err := config.Load(env)
	if err != nil {
		log.WithError(err).Error("config load failed")
		return exitConfigError
	}

	if err := os.MkdirAll(cfg.Storage.KeysDir, 0o700); err != nil {
		log.WithError(err).Error("keys_dir unavailable")
		return exitKeyActivationErr
	}
	priv, pub, err := loadOrCreateIdentity(cfg.Storage.KeysDir)
	if err != nil {
		log.WithError(err).Error("node identity unavailable")
		return exitKeyActivationErr
	}
	selfAddr := core.AddressFromPubKey(pub)
	nodeID := core.NodeID(selfAddr.Hex())

	store, err := core.NewStore(core.StoreConfig{DataDir: cfg.Storage.DataDir, SnapshotInterval: 100})
	if err != nil {
		log.WithError(err).Error("store unavailable")
		return exitStorageCorruption
	}
	defer store.Close()

	rep := core.NewReputationLedger(nodeID)
	metrics := core.NewNetworkMetrics(nil, cfg.Consensus.SafetyFactor)
	partition := core.NewPartitionDetector(rep, cfg.RecoveryCooldownDuration())
	round := core.NewRoundEngine(store.LastHeight()+1, rep, cfg.Consensus.ReputationInfluence)

	tier := core.NodeTier(cfg.Node.NodeType)
	mempool := core.NewMempool(nodeID, tier, core.MempoolConfig{
		MaxBytes:    uint64(cfg.Node.MaxBlockSizeKB) * 1024,
		NonceWindow: 64,
	}, store, rep)

	required := core.RequiredBurnUnits{}
	for k, v := range cfg.Activation.RequiredBurnUnits {
		required[core.NodeTier(k)] = v
	}
	oracle := &httpBurnOracle{endpoint: cfg.Activation.OracleEndpoint, client: &http.Client{Timeout: 10 * time.Second}}
	activation := core.NewActivationRegistry(store, oracle, required, time.Duration(cfg.Activation.TransferCooldown)*time.Second)

	rewards := core.NewRewardLedger(store)

	node, err := core.NewNode(core.Config{
		ListenAddr:     fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Network.Port),
		BootstrapPeers: cfg.Network.BootstrapNodes,
		DiscoveryTag:   cfg.Network.NetworkID,
	})
	if err != nil {
		log.WithError(err).Error("p2p transport unavailable")
		return exitNetworkUnreachable
	}
	defer node.Close()
	pm := core.NewPeerManagement(node)

	replicator := core.NewReplicator(nil, log, store, pm)
	replicator.Start()
	defer replicator.Stop()

	orchCfg := core.OrchestratorConfig{
		RoundInterval: cfg.RoundIntervalDuration(),
		MaxTxPerBlock: cfg.Node.MaxTxPerBlock,
		BlockGasCap:   uint64(cfg.Node.MaxBlockSizeKB) * 1024,
		NodeType:      tier,
		Reward:        core.RewardSchedule{InitialReward: 50 * core.QNCUnit, HalvingInterval: 2_100_000},
	}
	validator := core.NewBlockValidator(activation, orchCfg.BlockGasCap, orchCfg.Reward)
	sync := core.NewSyncManager(store, replicator, validator)

	eligible := func() []core.NodeID {
		ids := make([]core.NodeID, 0)
		for _, p := range pm.Peers() {
			if core.NodeID(p.Address.Hex()) != nodeID && activation.IsActiveProducer(p.Address) {
				ids = append(ids, core.NodeID(p.Address.Hex()))
			}
		}
		if activation.IsActiveProducer(selfAddr) {
			ids = append(ids, nodeID)
		}
		return ids
	}

	orch := core.NewOrchestrator(orchCfg, nodeID, selfAddr, priv, store, rep, metrics, partition, sync, round, mempool, activation, rewards, pm, eligible)

	router := rpcserver.New(rpcserver.Deps{
		Store: store, Round: round, Reputation: rep, Mempool: mempool,
		Activation: activation, Rewards: rewards, Orchestrator: orch,
		Partition: partition, Config: cfg, IssuerKey: priv,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Network.APIPort), Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("rpc server stopped")
		}
	}()

	go orch.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if sig == syscall.SIGINT {
		return exitSIGINT
	}
	return exitClean
}

func loadOrCreateIdentity(keysDir string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	path := filepath.Join(keysDir, "node.key")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(raw)
		return priv, priv.Public().(ed25519.PublicKey), nil
	}
	w, _, err := core.NewRandomWallet(256)
	if err != nil {
		return nil, nil, err
	}
	priv, pub, err := w.PrivateKey(0, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}
