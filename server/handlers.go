package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/protocol"
	"github.com/rs/zerolog/log"
)

// registerTransactionHandlers wires the three card flows into the registry.
func (s *Server) registerTransactionHandlers() {
	for msgType, kind := range map[string]nfc.TransactionKind{
		protocol.WSTypeAuthenticate: nfc.KindAuthenticate,
		protocol.WSTypeWrite:        nfc.KindWrite,
		protocol.WSTypeRead:         nfc.KindRead,
	} {
		if err := s.registry.Handle(msgType, s.transactionHandler(kind)); err != nil {
			panic(err)
		}
	}
}

// requestOptions applies per-request overrides to the configured options.
func (s *Server) requestOptions(req protocol.TransactionRequest) (nfc.Options, error) {
	opts := s.config.Options
	if req.Text != "" {
		opts.Payload = nfc.TextToBytes(req.Text)
	}
	if req.KeyHex != "" {
		key, err := nfc.HexToBytesStrict(req.KeyHex)
		if err != nil {
			return opts, fmt.Errorf("invalid keyHex: %w", err)
		}
		opts.Key = key
	}
	if req.KeyNo != nil {
		if *req.KeyNo < 0 || *req.KeyNo > 13 {
			return opts, fmt.Errorf("keyNo %d out of range", *req.KeyNo)
		}
		opts.KeyNo = byte(*req.KeyNo)
	}
	return opts, opts.Validate()
}

// transactionHandler runs one card transaction, streaming transcript events
// and finishing with a result message.
func (s *Server) transactionHandler(kind nfc.TransactionKind) HandlerFunc {
	return func(ctx context.Context, conn *Conn, msg protocol.RawMessage) error {
		var req protocol.TransactionRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				conn.SendError(msg.ID, protocol.ErrCodeInvalidRequest, "invalid payload")
				return err
			}
		}
		opts, err := s.requestOptions(req)
		if err != nil {
			conn.SendError(msg.ID, protocol.ErrCodeInvalidRequest, err.Error())
			return err
		}

		var stream nfc.Observer = nfc.ObserverFunc(func(e nfc.Event) {
			if err := conn.Send(msg.ID, protocol.WSTypeEvent, eventPayload(e)); err != nil {
				log.Debug().Err(err).Msg("event not delivered")
			}
		})
		if opts.Observer != nil {
			stream = nfc.MultiObserver{opts.Observer, stream}
		}
		opts.Observer = stream

		s.txnLock.Lock()
		res, runErr := nfc.Run(ctx, kind, s.config.Sessions, opts)
		s.txnLock.Unlock()

		if err := conn.Send(msg.ID, protocol.WSTypeResult, resultPayload(kind, res, runErr)); err != nil {
			return err
		}
		return runErr
	}
}

func eventPayload(e nfc.Event) protocol.EventPayload {
	return protocol.EventPayload{
		Seq:    e.Seq,
		Time:   e.Time.Format(time.RFC3339),
		Step:   e.Step,
		Fields: e.Fields,
		Error:  e.Err,
	}
}

func resultPayload(kind nfc.TransactionKind, res *nfc.TransactionResult, err error) protocol.ResultPayload {
	p := protocol.ResultPayload{Kind: string(kind), Steps: []protocol.StepPayload{}}
	if res != nil {
		p.TransactionID = res.ID.String()
		p.UID = res.UID
		p.Text = res.Text
		p.Cancelled = res.Cancelled
		for _, st := range res.Steps {
			p.Steps = append(p.Steps, protocol.StepPayload{Name: st.Name, Status: st.Status, Response: st.Response})
		}
	}
	if err != nil {
		p.Error = err.Error()
		if code := nfc.GetErrorCode(err); code != 0 {
			p.ErrorCode = code.String()
		}
		if kind, ok := nfc.GetTransportKind(err); ok {
			p.ErrorKind = kind.String()
		}
		if sw := nfc.GetStatusWord(err); sw != 0 {
			p.StatusWord = fmt.Sprintf("%04X", sw)
		}
	}
	return p
}
