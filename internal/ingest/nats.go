package ingest

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "sms.inbound"

// Subscribe feeds JSON arrivals published on subject into in. Requests that
// carry a reply subject get "ok" or the rejection reason back.
func Subscribe(nc *nats.Conn, subject string, in *Ingestor) (*nats.Subscription, error) {
	if nc == nil {
		return nil, errors.New("nats connection is nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		err := in.handleMsg(msg.Data)
		if msg.Reply == "" {
			return
		}
		reply := "ok"
		if err != nil {
			reply = err.Error()
		}
		if rerr := msg.Respond([]byte(reply)); rerr != nil {
			in.logger.Warn().Err(rerr).Msg("nats reply failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", subject, err)
	}

	in.logger.Info().Str("subject", subject).Msg("listening for arrivals on nats")
	return sub, nil
}

func (in *Ingestor) handleMsg(data []byte) error {
	a, err := DecodeArrival(data)
	if err != nil {
		in.logger.Warn().Err(err).Msg("invalid nats arrival dropped")
		return err
	}
	if err := in.Offer(a); err != nil {
		in.logger.Warn().Err(err).Str("from", a.From).Msg("nats arrival rejected")
		return err
	}
	return nil
}
