// Package mixclientcore implements the mixnet client core described by
// spec §2: a BaseClientBuilder that resolves key material and a gateway,
// completes the handshake and the initial topology refresh, then wires
// and starts every supervised task sharing one taskmanager.Manager.
// Grounded on the teacher's client.go New(), generalized from a
// per-account SMTP/POP3 proxy bundle into the mixnet client core's own
// dependency graph.
package mixclientcore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"mixclientcore/config"
	"mixclientcore/constants"
	"mixclientcore/covertraffic"
	"mixclientcore/gateway"
	"mixclientcore/identity"
	"mixclientcore/mixtraffic"
	"mixclientcore/realtraffic"
	"mixclientcore/receivedbuffer"
	"mixclientcore/replies"
	replystorage "mixclientcore/replies/storage"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

var log = logging.MustGetLogger("client")

// GatewaySetup selects how a BaseClientBuilder obtains the gateway its
// session authenticates against, per the original source's GatewaySetup
// enum (supplemented feature: SPEC_FULL.md).
type GatewaySetup int

const (
	// MustLoadGateway requires previously persisted gateway details; Build
	// fails if the GatewayDetailsStore has none.
	MustLoadGateway GatewaySetup = iota
	// NewWithGateway pins the caller-specified gateway (see
	// WithGatewaySetup), persisting it for future MustLoadGateway startups.
	NewWithGateway
	// NewAnyGateway performs the initial directory fetch and picks a
	// uniform-random gateway from it, persisting the choice.
	NewAnyGateway
)

// BaseClientBuilder assembles a BaseClient from a Config plus the
// storage/provider capabilities spec §6 names, wiring every component in
// the dependency order spec §2 describes: storage backends -> key
// material -> gateway session -> topology accessor -> reply storage ->
// received-buffer controller -> mix-traffic controller -> real-traffic
// controller -> cover-traffic stream.
type BaseClientBuilder struct {
	cfg *config.Config

	keyStore        identity.KeyStore
	gatewayDetails  identity.GatewayDetailsStore
	credentialStore gateway.CredentialStore
	replyStorage    replystorage.ReplyStorageBackend
	directory       topology.DirectoryFetcher

	gatewaySetup    GatewaySetup
	explicitGateway *gateway.Endpoint

	topologyProvider topology.Provider
}

// NewBaseClientBuilder constructs a builder from the required storage
// capabilities (spec §6): a KeyStore, a GatewayDetailsStore, a
// CredentialStore, a ReplyStorageBackend, and a DirectoryFetcher backing
// the default topology provider.
func NewBaseClientBuilder(
	cfg *config.Config,
	keyStore identity.KeyStore,
	gatewayDetails identity.GatewayDetailsStore,
	credentialStore gateway.CredentialStore,
	replyStorage replystorage.ReplyStorageBackend,
	directory topology.DirectoryFetcher,
) *BaseClientBuilder {
	return &BaseClientBuilder{
		cfg:             cfg,
		keyStore:        keyStore,
		gatewayDetails:  gatewayDetails,
		credentialStore: credentialStore,
		replyStorage:    replyStorage,
		directory:       directory,
		gatewaySetup:    MustLoadGateway,
	}
}

// WithGatewaySetup selects how Build obtains its gateway. endpoint is
// required (and used) only for NewWithGateway.
func (b *BaseClientBuilder) WithGatewaySetup(setup GatewaySetup, endpoint *gateway.Endpoint) *BaseClientBuilder {
	b.gatewaySetup = setup
	b.explicitGateway = endpoint
	return b
}

// WithTopologyProvider injects a custom TopologyProvider that wins over
// the config-selected GlobalProvider/GeoAwareProvider (supplemented
// feature: original_source's custom_provider.unwrap_or_else).
func (b *BaseClientBuilder) WithTopologyProvider(p topology.Provider) *BaseClientBuilder {
	b.topologyProvider = p
	return b
}

func (b *BaseClientBuilder) defaultTopologyProvider() topology.Provider {
	if !b.cfg.Debug.Topology.Structure.IsGeoAware() {
		return topology.NewGlobalProvider(b.directory)
	}
	group := b.cfg.Debug.Topology.Structure.GeoGroup
	return topology.NewGeoAwareProvider(b.directory, group, func(topology.Node) string {
		// The directory fetcher used by this builder carries no geo
		// metadata of its own; a GeoAwareProvider wired to a richer
		// DirectoryFetcher would classify nodes here instead.
		return group
	})
}

func loadOrGenerateKeys(store identity.KeyStore) (*identity.ManagedKeys, error) {
	keys, err := store.Load()
	if err == nil {
		return keys, nil
	}
	log.Debugf("no existing key material, generating fresh keys: %v", err)
	keys, err = identity.GenerateManagedKeys()
	if err != nil {
		return nil, err
	}
	if err := store.Store(keys); err != nil {
		return nil, fmt.Errorf("client: persisting freshly generated keys: %w", err)
	}
	return keys, nil
}

func nodeIdentityToEd25519(n identity.NodeIdentity) ed25519.PublicKey {
	return ed25519.PublicKey(append([]byte(nil), n[:]...))
}

func ed25519ToNodeIdentity(pub ed25519.PublicKey) identity.NodeIdentity {
	var n identity.NodeIdentity
	copy(n[:], pub)
	return n
}

func (b *BaseClientBuilder) resolveGateway(ctx context.Context) (*gateway.Endpoint, error) {
	switch b.gatewaySetup {
	case NewWithGateway:
		if b.explicitGateway == nil {
			return nil, fmt.Errorf("client: NewWithGateway requires WithGatewaySetup(NewWithGateway, endpoint)")
		}
		details := &config.GatewayEndpointConfig{
			GatewayID:       ed25519ToNodeIdentity(b.explicitGateway.GatewayIdentity).String(),
			GatewayListener: b.explicitGateway.ListenerURL,
		}
		if err := b.gatewayDetails.Store(details); err != nil {
			return nil, fmt.Errorf("client: persisting gateway details: %w", err)
		}
		return b.explicitGateway, nil

	case NewAnyGateway:
		_, gateways, err := b.directory.FetchNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("client: fetching directory to pick a gateway: %w", err)
		}
		if len(gateways) == 0 {
			return nil, topology.ErrInsufficientNetworkTopology
		}
		var idx [8]byte
		if _, err := rand.Read(idx[:]); err != nil {
			return nil, fmt.Errorf("client: selecting random gateway: %w", err)
		}
		var n uint64
		for _, by := range idx {
			n = n<<8 | uint64(by)
		}
		chosen := gateways[n%uint64(len(gateways))]
		endpoint := &gateway.Endpoint{
			ListenerURL:     chosen.Address,
			GatewayIdentity: nodeIdentityToEd25519(chosen.Identity),
		}
		details := &config.GatewayEndpointConfig{
			GatewayID:       chosen.Identity.String(),
			GatewayListener: chosen.Address,
		}
		if err := b.gatewayDetails.Store(details); err != nil {
			return nil, fmt.Errorf("client: persisting gateway details: %w", err)
		}
		return endpoint, nil

	default: // MustLoadGateway
		details, err := b.gatewayDetails.Load()
		if err != nil {
			return nil, fmt.Errorf("client: loading gateway details: %w", err)
		}
		id, err := identity.NodeIdentityFromString(details.GatewayID)
		if err != nil {
			return nil, fmt.Errorf("client: parsing stored gateway identity: %w", err)
		}
		return &gateway.Endpoint{
			ListenerURL:     details.GatewayListener,
			GatewayIdentity: nodeIdentityToEd25519(id),
		}, nil
	}
}

// ClientState tracks a BaseClient's lifecycle.
type ClientState int

const (
	StateNew ClientState = iota
	StateStarting
	StateRunning
	StateShuttingDown
	StateStopped
)

// ClientInput is the application-facing write side of a running
// BaseClient (spec §4.3's Input()).
type ClientInput struct {
	messages chan<- realtraffic.InputMessage
}

// Send submits a regular, non-reply message to recipient.
func (in ClientInput) Send(recipient identity.Recipient, payload []byte, lane realtraffic.Lane) {
	in.messages <- realtraffic.InputMessage{Kind: realtraffic.Regular, Recipient: recipient, Payload: payload, Lane: lane}
}

// SendWithReplySurbs submits a message to recipient bearing numSurbs
// reply blocks the recipient can use to write back.
func (in ClientInput) SendWithReplySurbs(recipient identity.Recipient, payload []byte, numSurbs int, lane realtraffic.Lane) {
	in.messages <- realtraffic.InputMessage{Kind: realtraffic.WithReplySurb, Recipient: recipient, Payload: payload, NumSurbs: numSurbs, Lane: lane}
}

// Reply submits a reply to the peer identified by senderTag, consuming
// one of their previously granted SURBs.
func (in ClientInput) Reply(senderTag [constants.SenderTagLength]byte, payload []byte, lane realtraffic.Lane) {
	in.messages <- realtraffic.InputMessage{Kind: realtraffic.Reply, SenderTag: senderTag, Payload: payload, Lane: lane}
}

// BaseClient is the fully wired mixnet client core (spec §2): every
// supervised task shares one taskmanager.Manager, started together and
// torn down together via Shutdown.
type BaseClient struct {
	id    uuid.UUID
	cfg   *config.Config
	state ClientState

	mgr *taskmanager.Manager

	keys           *identity.ManagedKeys
	selfRecipient  identity.Recipient
	gatewaySession *gateway.Session

	topologyAccessor *topology.Accessor
	replyController  *replies.Controller
	receivedBuffer   *receivedbuffer.Controller
	mixTraffic       *mixtraffic.Controller
	realTraffic      *realtraffic.Controller
	coverTraffic     *covertraffic.Stream

	input ClientInput
}

// ID returns the log-correlation identifier assigned to this client
// instance at build time. It is never wire-visible: protocol identifiers
// (message_id, fragment_id) stay fixed-size random byte arrays per spec
// §3, produced independently by the real/cover traffic controllers.
func (c *BaseClient) ID() uuid.UUID { return c.id }

// State reports the client's current lifecycle state.
func (c *BaseClient) State() ClientState { return c.state }

// Recipient returns this client's own stable address.
func (c *BaseClient) Recipient() identity.Recipient { return c.selfRecipient }

// Input returns the application-facing send API.
func (c *BaseClient) Input() ClientInput { return c.input }

// RegisterConsumer attaches the calling goroutine as the sole delivery
// consumer (spec §4.6), returning a channel of reassembled inbound
// messages.
func (c *BaseClient) RegisterConsumer() (<-chan receivedbuffer.Delivery, error) {
	return c.receivedBuffer.RegisterConsumer()
}

// DeregisterConsumer detaches the current consumer, if any, so a future
// RegisterConsumer call can succeed.
func (c *BaseClient) DeregisterConsumer() {
	c.receivedBuffer.DeregisterConsumer()
}

// Shutdown broadcasts cancellation to every supervised task and waits up
// to constants.DefaultSupervisorDeadline for them to drain.
func (c *BaseClient) Shutdown(ctx context.Context) error {
	c.state = StateShuttingDown
	c.mgr.Shutdown()
	// The gateway session's read pump may already be parked inside a
	// blocking transport.Receive() call, which only HaltCh-signaled tasks
	// would otherwise notice; closing the session here unblocks that read
	// immediately instead of stalling the whole shutdown until
	// constants.DefaultSupervisorDeadline elapses.
	if err := c.gatewaySession.Close(); err != nil {
		log.Warningf("closing gateway session: %v", err)
	}
	err := c.mgr.Wait(ctx, constants.DefaultSupervisorDeadline)
	c.state = StateStopped
	return err
}

// Build resolves key material and the gateway, performs the gateway
// handshake and the initial synchronous topology refresh (failing with
// topology.ErrInsufficientNetworkTopology if it cannot route), then wires
// and starts every supervised task.
func (b *BaseClientBuilder) Build(ctx context.Context) (*BaseClient, error) {
	keys, err := loadOrGenerateKeys(b.keyStore)
	if err != nil {
		return nil, err
	}

	endpoint, err := b.resolveGateway(ctx)
	if err != nil {
		return nil, err
	}
	selfRecipient := identity.NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), ed25519ToNodeIdentity(endpoint.GatewayIdentity))

	session := gateway.NewSession(*endpoint, b.cfg.Client.Credentials, b.credentialStore, b.cfg.Debug.GatewayConnection.GatewayResponseTimeout)
	sharedKey, err := session.AuthenticateAndStart(keys.IdentityKeyPair())
	if err != nil {
		return nil, fmt.Errorf("client: gateway authentication failed: %w", err)
	}
	keys.EnsureGatewayKey(sharedKey)
	if err := b.keyStore.Store(keys); err != nil {
		return nil, fmt.Errorf("client: persisting gateway-shared key: %w", err)
	}

	topologyAccessor := topology.NewAccessor()
	provider := b.topologyProvider
	if provider == nil {
		provider = b.defaultTopologyProvider()
	}
	refresher := topology.NewRefresher(topology.RefresherConfig{
		RefreshRate:       b.cfg.Debug.Topology.RefreshRate,
		DisableRefreshing: b.cfg.Debug.Topology.DisableRefreshing,
	}, topologyAccessor, provider)
	if err := refresher.EnsureRoutable(ctx); err != nil {
		return nil, err
	}

	replyController, err := replies.New(b.replyStorage, b.cfg.Debug.Reply.ReplyKeyTTL, b.cfg.Debug.Reply.GarbageCollectPeriod)
	if err != nil {
		return nil, fmt.Errorf("client: loading reply storage: %w", err)
	}

	receivedBuffer := receivedbuffer.New(keys, replyController, session.InboundFrames())
	mixTraffic := mixtraffic.New(session)

	realTraffic := realtraffic.New(realtraffic.Deps{
		Topology:            topologyAccessor,
		Keys:                keys,
		SelfRecipient:       selfRecipient,
		Replies:             replyController,
		Sink:                mixTraffic,
		Lanes:               realtraffic.NewLaneQueueLengths(),
		AckFrames:           session.AckFrames(),
		Hops:                b.cfg.Debug.Traffic.NumberOfHops,
		AveragePacketDelay:  b.cfg.Debug.Traffic.AveragePacketDelay,
		Retransmission:      b.cfg.Debug.Retransmission,
		TopologyRefreshRate: b.cfg.Debug.Topology.RefreshRate,
	})

	var coverTraffic *covertraffic.Stream
	if !b.cfg.Debug.CoverTraffic.DisableLoopCoverTraffic {
		coverTraffic = covertraffic.New(covertraffic.Deps{
			Topology:            topologyAccessor,
			SelfRecipient:       selfRecipient,
			Sink:                mixTraffic,
			Hops:                b.cfg.Debug.Traffic.NumberOfHops,
			AverageCoverDelay:   b.cfg.Debug.CoverTraffic.AverageCoverDelay,
			TopologyRefreshRate: b.cfg.Debug.Topology.RefreshRate,
		})
	}

	mgr := taskmanager.New()
	c := &BaseClient{
		id:               uuid.New(),
		cfg:              b.cfg,
		state:            StateStarting,
		mgr:              mgr,
		keys:             keys,
		selfRecipient:    selfRecipient,
		gatewaySession:   session,
		topologyAccessor: topologyAccessor,
		replyController:  replyController,
		receivedBuffer:   receivedBuffer,
		mixTraffic:       mixTraffic,
		realTraffic:      realTraffic,
		coverTraffic:     coverTraffic,
		input:            ClientInput{messages: realTraffic.Input()},
	}

	session.Start(mgr.Subscribe(fmt.Sprintf("gateway-session@%s", c.id)))
	refresher.Start(mgr.Subscribe("topology-refresher"))
	replyController.Start(mgr.Subscribe("reply-controller"))
	receivedBuffer.Start(mgr.Subscribe("received-buffer"))
	mixTraffic.Start(mgr.Subscribe("mix-traffic"))
	realTraffic.Start(mgr.Subscribe("real-traffic"))
	if coverTraffic != nil {
		coverTraffic.Start(mgr.Subscribe("cover-traffic"))
	}

	c.state = StateRunning
	log.Noticef("client %s started against gateway %s", c.id, endpoint.ListenerURL)
	return c, nil
}
