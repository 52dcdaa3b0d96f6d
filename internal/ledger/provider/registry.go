package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	sol "github.com/gagliardetto/solana-go"

	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
	solnode "github.com/aegis-vaults/aegis-app-sub000/internal/ledger/solana"
)

// Config carries the knobs needed to assemble the registry. RPCURL and
// ProgramID act as a single-network fallback when no definitions file
// is configured.
type Config struct {
	NetworkConfig  string
	DefaultNetwork string
	RPCURL         string
	ProgramID      string
}

// Network bundles one node client with the custody program deployed on
// that network.
type Network struct {
	Client    ledger.Client
	ProgramID sol.PublicKey
}

// Registry manages a set of ledger clients keyed by human readable names.
type Registry struct {
	defaultNetwork string
	networks       map[string]Network
}

// NewRegistry loads network definitions and instantiates concrete clients.
func NewRegistry(cfg Config) (*Registry, error) {
	defs, err := ledger.LoadNetworkDefinitions(cfg.NetworkConfig)
	if err != nil {
		return nil, err
	}

	networks := make(map[string]Network)
	for name, def := range defs.Networks {
		programID, err := sol.PublicKeyFromBase58(strings.TrimSpace(def.ProgramID))
		if err != nil {
			return nil, fmt.Errorf("网络 %s 的 program_id 非法: %w", name, err)
		}
		client, err := solnode.NewClient(solnode.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			Notes:  def.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
		}
		networks[name] = Network{Client: client, ProgramID: programID}
	}

	if len(networks) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		programID, err := sol.PublicKeyFromBase58(strings.TrimSpace(cfg.ProgramID))
		if err != nil {
			return nil, fmt.Errorf("program_id 非法: %w", err)
		}
		client, err := solnode.NewClient(solnode.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		networks["default"] = Network{Client: client, ProgramID: programID}
		if cfg.DefaultNetwork == "" {
			cfg.DefaultNetwork = "default"
		}
	}

	if len(networks) == 0 {
		return nil, errors.New("未配置任何账本网络的 RPC 端点")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		defaultNetwork = defs.Default
	}
	if defaultNetwork == "" {
		names := make([]string, 0, len(networks))
		for name := range networks {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := networks[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}

	return &Registry{defaultNetwork: defaultNetwork, networks: networks}, nil
}

// Default returns the network configured as default.
func (r *Registry) Default() (Network, error) {
	if r == nil {
		return Network{}, errors.New("未初始化的网络注册表")
	}
	network, ok := r.networks[r.defaultNetwork]
	if !ok {
		return Network{}, fmt.Errorf("默认网络 %s 未在注册表中", r.defaultNetwork)
	}
	return network, nil
}

// Network returns the network identified by name.
func (r *Registry) Network(name string) (Network, bool) {
	if r == nil {
		return Network{}, false
	}
	network, ok := r.networks[name]
	return network, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, network := range r.networks {
		if network.Client != nil {
			network.Client.Close()
		}
		delete(r.networks, name)
	}
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
