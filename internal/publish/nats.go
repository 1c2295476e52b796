package publish

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"depthbook/internal/orderbook"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Top is the message published on every best bid/ask change.
type Top struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     int64   `json:"ts"`
}

// TopOfBook publishes the top of book whenever either best price moves.
type TopOfBook struct {
	pub     Publisher
	subject string
	symbol  string
	log     zerolog.Logger
	now     func() time.Time

	mu  sync.Mutex
	top Top
}

func NewTopOfBook(pub Publisher, subject, symbol string, log zerolog.Logger) *TopOfBook {
	return &TopOfBook{
		pub:     pub,
		subject: subject,
		symbol:  symbol,
		log:     log.With().Str("component", "nats-publisher").Logger(),
		now:     time.Now,
		top:     Top{Symbol: symbol},
	}
}

func (p *TopOfBook) OnNotification(n orderbook.Notification) {
	p.mu.Lock()
	switch n.Kind {
	case orderbook.BestBidChanged:
		p.top.Bid = n.New
	case orderbook.BestAskChanged:
		p.top.Ask = n.New
	default:
		p.mu.Unlock()
		return
	}
	p.top.TS = p.now().UnixMilli()
	top := p.top
	p.mu.Unlock()

	data, err := json.Marshal(top)
	if err != nil {
		p.log.Error().Err(err).Msg("marshal top of book")
		return
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", p.subject).Msg("publish top of book")
	}
}

// Connect dials NATS with reconnects left to the client library.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("depthbook"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}
