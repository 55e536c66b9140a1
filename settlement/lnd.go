package settlement

import (
	"context"
	"encoding/hex"
	"io/ioutil"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

var _ Engine = (*LndEngine)(nil)

// LndConfig locates the lnd node backing an account's settlement.
type LndConfig struct {
	Host         string `yaml:"host"`
	TLSCertPath  string `yaml:"tlsCertPath"`
	MacaroonPath string `yaml:"macaroonPath"`
	PayTimeout   int32  `yaml:"payTimeoutSeconds"`
	FeeLimitSat  int64  `yaml:"feeLimitSat"`
}

// LndEngine settles over the Lightning network through one lnd node.
// Artifacts are BOLT-11 invoices; the artifact id is the hex payment
// hash, which is what invoice-settled notifications are keyed by.
type LndEngine struct {
	cfg      LndConfig
	conn     *grpc.ClientConn
	ln       lnrpc.LightningClient
	router   routerrpc.RouterClient
	identity string

	credits chan Credit
	cancel  context.CancelFunc
}

// NewLndEngine dials the node, resolves its identity and starts the
// invoice subscription that feeds Notifications.
func NewLndEngine(cfg LndConfig) (*LndEngine, error) {
	if cfg.PayTimeout == 0 {
		cfg.PayTimeout = 60
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "settlement: loading lnd tls cert")
	}
	macBytes, err := ioutil.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "settlement: reading macaroon")
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, errors.Wrap(err, "settlement: unmarshaling macaroon")
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "settlement: macaroon credential")
	}
	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "settlement: dialing lnd at %s", cfg.Host)
	}

	e := &LndEngine{
		cfg:     cfg,
		conn:    conn,
		ln:      lnrpc.NewLightningClient(conn),
		router:  routerrpc.NewRouterClient(conn),
		credits: make(chan Credit, 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	info, err := e.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		cancel()
		conn.Close()
		return nil, errors.Wrap(err, "settlement: lnd getinfo")
	}
	e.identity = info.IdentityPubkey
	go e.subscribeInvoices(ctx)
	return e, nil
}

func (e *LndEngine) Identity() string { return e.identity }

func (e *LndEngine) IssueArtifact(ctx context.Context, amount uint64) (*Artifact, error) {
	resp, err := e.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:  "ilp settlement",
		Value: int64(amount),
	})
	if err != nil {
		return nil, errors.Wrap(err, "settlement: adding invoice")
	}
	return &Artifact{
		ID:          hex.EncodeToString(resp.RHash),
		Payload:     []byte(resp.PaymentRequest),
		Destination: e.identity,
	}, nil
}

func (e *LndEngine) Pay(ctx context.Context, artifact *Artifact, amount uint64) (*Result, error) {
	stream, err := e.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: string(artifact.Payload),
		TimeoutSeconds: e.cfg.PayTimeout,
		FeeLimitSat:    e.cfg.FeeLimitSat,
	})
	if err != nil {
		return nil, errors.Wrap(err, "settlement: sending payment")
	}
	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, errors.Wrap(err, "settlement: payment stream")
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			preimage, _ := hex.DecodeString(payment.PaymentPreimage)
			return &Result{
				Proof:      preimage,
				AmountPaid: uint64(payment.ValueSat),
			}, nil
		case lnrpc.Payment_FAILED:
			return nil, errors.Errorf("settlement: payment failed: %s", payment.FailureReason)
		}
	}
}

// subscribeInvoices converts settled invoices into credits. AddIndex 0
// replays the backlog, so credits missed across a restart surface
// again; the controller's consumed-artifact set drops the duplicates.
func (e *LndEngine) subscribeInvoices(ctx context.Context) {
	stream, err := e.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{AddIndex: 0})
	if err != nil {
		log.Errorf("[Settlement] invoice subscription failed: %v", err)
		close(e.credits)
		return
	}
	for {
		invoice, err := stream.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Errorf("[Settlement] invoice stream ended: %v", err)
			}
			close(e.credits)
			return
		}
		if invoice.State != lnrpc.Invoice_SETTLED {
			continue
		}
		e.credits <- Credit{
			ArtifactID: hex.EncodeToString(invoice.RHash),
			Amount:     uint64(invoice.AmtPaidSat),
		}
	}
}

func (e *LndEngine) Notifications() <-chan Credit { return e.credits }

func (e *LndEngine) Close() error {
	e.cancel()
	return e.conn.Close()
}
