package link

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/xtexChooser/earendil/crypt"
	"github.com/xtexChooser/earendil/topology"
)

// Method names of the link protocol.
const (
	methodInfo            = "info"
	methodIdentity        = "identity"
	methodAdjacencies     = "adjacencies"
	methodSignAdjacency   = "sign_adjacency"
	methodPushChat        = "push_chat"
	methodStartSettlement = "start_settlement"
	methodRequestSeed     = "request_seed"
)

// InfoResponse describes the responding node.
type InfoResponse struct {
	Version string `json:"version"`
}

// SettlementRequest opens a debt settlement exchange. Its wire contract is
// defined; the behavior is not yet, so servers answer with no response.
type SettlementRequest struct {
	Amount uint64 `json:"amount"`
	Proof  string `json:"proof,omitempty"`
}

// SettlementResponse acknowledges a settlement.
type SettlementResponse struct {
	CurrentDebt int64  `json:"current_debt"`
	Sig         []byte `json:"sig,omitempty"`
}

// Seed is a settlement seed handed to clients.
type Seed uint64

// Protocol is the server side of the per-link RPC channel.
type Protocol interface {
	// Info reports the node version.
	Info(ctx context.Context) (*InfoResponse, error)

	// Identity looks up an identity descriptor in the local graph.
	Identity(ctx context.Context, fp crypt.RelayFingerprint) (
		fn.Option[*topology.IdentityDescriptor], error)

	// Adjacencies returns the known adjacencies touching any of the
	// given relays, deduplicated.
	Adjacencies(ctx context.Context, fps []crypt.RelayFingerprint) (
		[]*topology.AdjacencyDescriptor, error)

	// SignAdjacency fills in our right-hand signature on a half-signed
	// adjacency, when the left-side rule holds. A None response means
	// we refused.
	SignAdjacency(ctx context.Context,
		adj *topology.AdjacencyDescriptor) (
		fn.Option[*topology.AdjacencyDescriptor], error)

	// PushChat appends an incoming chat line from the remote neighbor.
	PushChat(ctx context.Context, text string) error

	// StartSettlement is a stub until the settlement subsystem is
	// specified; implementations answer None.
	StartSettlement(ctx context.Context, req *SettlementRequest) (
		fn.Option[*SettlementResponse], error)

	// RequestSeed is a stub until the settlement subsystem is
	// specified; implementations answer None.
	RequestSeed(ctx context.Context) (fn.Option[Seed], error)
}

// Wire shapes. Descriptors travel as their canonical binary encodings so
// both sides agree on signed bytes; fingerprints travel as hex strings.
type identityParams struct {
	Fp string `json:"fp"`
}

type identityResult struct {
	Descriptor []byte `json:"descriptor,omitempty"`
}

type adjacenciesParams struct {
	Fps []string `json:"fps"`
}

type adjacenciesResult struct {
	Adjacencies [][]byte `json:"adjacencies"`
}

type signAdjacencyParams struct {
	Descriptor []byte `json:"descriptor"`
}

type signAdjacencyResult struct {
	Descriptor []byte `json:"descriptor,omitempty"`
}

type pushChatParams struct {
	Text string `json:"text"`
}

type settlementResult struct {
	Response *SettlementResponse `json:"response,omitempty"`
}

type seedResult struct {
	Seed *Seed `json:"seed,omitempty"`
}

// dispatch routes one RPC request to the protocol implementation and
// encodes its result.
func dispatch(ctx context.Context, svc Protocol,
	req *rpcRequest) *rpcResponse {

	resp := &rpcResponse{ID: req.ID}

	result, err := dispatchMethod(ctx, svc, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = encoded

	return resp
}

func dispatchMethod(ctx context.Context, svc Protocol,
	req *rpcRequest) (any, error) {

	switch req.Method {
	case methodInfo:
		return svc.Info(ctx)

	case methodIdentity:
		var params identityParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}
		fp, err := crypt.RelayFingerprintFromString(params.Fp)
		if err != nil {
			return nil, err
		}

		descOpt, err := svc.Identity(ctx, fp)
		if err != nil {
			return nil, err
		}

		var result identityResult
		err = optEncode(descOpt, func(
			desc *topology.IdentityDescriptor) error {

			encoded, err := desc.Encode()
			if err != nil {
				return err
			}
			result.Descriptor = encoded

			return nil
		})

		return &result, err

	case methodAdjacencies:
		var params adjacenciesParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}

		fps := make([]crypt.RelayFingerprint, 0, len(params.Fps))
		for _, s := range params.Fps {
			fp, err := crypt.RelayFingerprintFromString(s)
			if err != nil {
				return nil, err
			}
			fps = append(fps, fp)
		}

		adjs, err := svc.Adjacencies(ctx, fps)
		if err != nil {
			return nil, err
		}

		result := adjacenciesResult{
			Adjacencies: make([][]byte, 0, len(adjs)),
		}
		for _, adj := range adjs {
			encoded, err := adj.Encode()
			if err != nil {
				return nil, err
			}
			result.Adjacencies = append(
				result.Adjacencies, encoded,
			)
		}

		return &result, nil

	case methodSignAdjacency:
		var params signAdjacencyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}
		adj, err := topology.DecodeAdjacencyDescriptor(
			params.Descriptor,
		)
		if err != nil {
			return nil, err
		}

		signedOpt, err := svc.SignAdjacency(ctx, adj)
		if err != nil {
			return nil, err
		}

		var result signAdjacencyResult
		err = optEncode(signedOpt, func(
			signed *topology.AdjacencyDescriptor) error {

			encoded, err := signed.Encode()
			if err != nil {
				return err
			}
			result.Descriptor = encoded

			return nil
		})

		return &result, err

	case methodPushChat:
		var params pushChatParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}

		return &struct{}{}, svc.PushChat(ctx, params.Text)

	case methodStartSettlement:
		var params SettlementRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}

		respOpt, err := svc.StartSettlement(ctx, &params)
		if err != nil {
			return nil, err
		}

		var result settlementResult
		respOpt.WhenSome(func(r *SettlementResponse) {
			result.Response = r
		})

		return &result, nil

	case methodRequestSeed:
		seedOpt, err := svc.RequestSeed(ctx)
		if err != nil {
			return nil, err
		}

		var result seedResult
		seedOpt.WhenSome(func(s Seed) {
			result.Seed = &s
		})

		return &result, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

// optEncode runs encode on the option's value, when present.
func optEncode[T any](opt fn.Option[T], encode func(T) error) error {
	var err error
	opt.WhenSome(func(v T) {
		err = encode(v)
	})

	return err
}

// Client calls the link protocol over a link's RPC transport.
type Client struct {
	link *Link
}

// NewClient wraps a link in an RPC client.
func NewClient(l *Link) *Client {
	return &Client{link: l}
}

// Info fetches the remote's version.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var result InfoResponse
	if err := c.link.call(ctx, methodInfo, nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Identity fetches the remote's view of a relay identity.
func (c *Client) Identity(ctx context.Context,
	fp crypt.RelayFingerprint) (
	fn.Option[*topology.IdentityDescriptor], error) {

	none := fn.None[*topology.IdentityDescriptor]()

	var result identityResult
	err := c.link.call(
		ctx, methodIdentity, &identityParams{Fp: fp.String()},
		&result,
	)
	if err != nil {
		return none, err
	}

	if result.Descriptor == nil {
		return none, nil
	}
	desc, err := topology.DecodeIdentityDescriptor(result.Descriptor)
	if err != nil {
		return none, err
	}

	return fn.Some(desc), nil
}

// Adjacencies fetches the remote's adjacencies touching any of the given
// relays.
func (c *Client) Adjacencies(ctx context.Context,
	fps []crypt.RelayFingerprint) (
	[]*topology.AdjacencyDescriptor, error) {

	params := adjacenciesParams{Fps: make([]string, 0, len(fps))}
	for _, fp := range fps {
		params.Fps = append(params.Fps, fp.String())
	}

	var result adjacenciesResult
	if err := c.link.call(
		ctx, methodAdjacencies, &params, &result,
	); err != nil {
		return nil, err
	}

	adjs := make([]*topology.AdjacencyDescriptor, 0,
		len(result.Adjacencies))
	for _, blob := range result.Adjacencies {
		adj, err := topology.DecodeAdjacencyDescriptor(blob)
		if err != nil {
			return nil, err
		}
		adjs = append(adjs, adj)
	}

	return adjs, nil
}

// SignAdjacency asks the remote to complete a half-signed adjacency.
func (c *Client) SignAdjacency(ctx context.Context,
	adj *topology.AdjacencyDescriptor) (
	fn.Option[*topology.AdjacencyDescriptor], error) {

	none := fn.None[*topology.AdjacencyDescriptor]()

	encoded, err := adj.Encode()
	if err != nil {
		return none, err
	}

	var result signAdjacencyResult
	err = c.link.call(
		ctx, methodSignAdjacency,
		&signAdjacencyParams{Descriptor: encoded}, &result,
	)
	if err != nil {
		return none, err
	}

	if result.Descriptor == nil {
		return none, nil
	}
	signed, err := topology.DecodeAdjacencyDescriptor(result.Descriptor)
	if err != nil {
		return none, err
	}

	return fn.Some(signed), nil
}

// PushChat delivers a chat line to the remote.
func (c *Client) PushChat(ctx context.Context, text string) error {
	var result struct{}

	return c.link.call(
		ctx, methodPushChat, &pushChatParams{Text: text}, &result,
	)
}

// StartSettlement opens a settlement exchange.
func (c *Client) StartSettlement(ctx context.Context,
	req *SettlementRequest) (fn.Option[*SettlementResponse], error) {

	none := fn.None[*SettlementResponse]()

	var result settlementResult
	if err := c.link.call(
		ctx, methodStartSettlement, req, &result,
	); err != nil {
		return none, err
	}

	if result.Response == nil {
		return none, nil
	}

	return fn.Some(result.Response), nil
}

// RequestSeed asks the remote for a settlement seed.
func (c *Client) RequestSeed(ctx context.Context) (fn.Option[Seed], error) {
	none := fn.None[Seed]()

	var result seedResult
	if err := c.link.call(
		ctx, methodRequestSeed, nil, &result,
	); err != nil {
		return none, err
	}

	if result.Seed == nil {
		return none, nil
	}

	return fn.Some(*result.Seed), nil
}
