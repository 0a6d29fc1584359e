// Package persist is the persistence process's core: it registers the IPC
// handlers that route candles, snapshots and gaps into SQLite, and drains
// the publisher's durable queue through the same handlers.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
	"flowtrace/internal/queue"
)

const (
	pollInterval  = 1 * time.Second
	pollBatchSize = 100
	cleanupEvery  = 100 // polls between retention sweeps
)

// Consumer routes envelopes from both delivery channels into the stores.
type Consumer struct {
	candles model.CandleStore
	state   model.StateStore
	gaps    model.GapStore
	queue   *queue.Queue

	retention time.Duration

	candlesWritten atomic.Int64
	statesWritten  atomic.Int64
	gapsWritten    atomic.Int64
	queueDrained   atomic.Int64
	lastPollOK     atomic.Int64 // unix ms of last successful poll
}

// NewConsumer wires the stores and the durable queue.
func NewConsumer(candles model.CandleStore, state model.StateStore, gaps model.GapStore, q *queue.Queue) *Consumer {
	return &Consumer{
		candles:   candles,
		state:     state,
		gaps:      gaps,
		queue:     q,
		retention: queue.DefaultRetention,
	}
}

// Register installs the envelope handlers on the IPC server. The queue
// poller feeds the same handlers through srv.Dispatch.
func (c *Consumer) Register(srv *ipc.Server) {
	srv.Handle(model.MsgCandleComplete, c.handleCandle)
	srv.Handle(model.MsgState, c.handleState)
	srv.Handle(model.MsgGap, c.handleGap)
	srv.Handle(model.MsgMetrics, c.handleMetrics)
}

func (c *Consumer) handleCandle(env model.Envelope) (any, error) {
	var candle model.Candle
	if err := json.Unmarshal(env.Payload, &candle); err != nil {
		return nil, fmt.Errorf("persist: decode candle: %w", err)
	}
	if err := c.candles.WriteCandle(&candle); err != nil {
		return nil, err
	}
	c.candlesWritten.Add(1)
	return nil, nil
}

func (c *Consumer) handleState(env model.Envelope) (any, error) {
	var p model.StatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("persist: decode state payload: %w", err)
	}

	switch p.Action {
	case model.StateSave:
		if p.Snapshot == nil {
			return nil, errors.New("persist: state save without snapshot")
		}
		if err := c.state.SaveSnapshot(*p.Snapshot); err != nil {
			return nil, err
		}
		c.statesWritten.Add(1)
		return nil, nil

	case model.StateSaveBatch:
		for _, item := range p.Snapshots {
			if err := c.state.SaveSnapshot(item); err != nil {
				return nil, err
			}
		}
		c.statesWritten.Add(int64(len(p.Snapshots)))
		return nil, nil

	case model.StateLoad, model.StateLoadBatch:
		items, err := c.state.LoadSnapshots(p.Symbols)
		if err != nil {
			return nil, err
		}
		return model.StateResult{Snapshots: items}, nil

	case model.StateLoadAll:
		items, err := c.state.LoadAllSnapshots()
		if err != nil {
			return nil, err
		}
		return model.StateResult{Snapshots: items}, nil

	default:
		return nil, fmt.Errorf("persist: unknown state action %q", p.Action)
	}
}

func (c *Consumer) handleGap(env model.Envelope) (any, error) {
	var p model.GapPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("persist: decode gap payload: %w", err)
	}

	switch p.Action {
	case model.GapSave:
		if p.Gap == nil {
			return nil, errors.New("persist: gap save without record")
		}
		if err := c.gaps.SaveGap(*p.Gap); err != nil {
			return nil, err
		}
		c.gapsWritten.Add(1)
		return nil, nil

	case model.GapSaveBatch:
		if err := c.gaps.SaveGaps(p.Gaps); err != nil {
			return nil, err
		}
		c.gapsWritten.Add(int64(len(p.Gaps)))
		return nil, nil

	case model.GapLoad:
		gaps, err := c.gaps.LoadUnsyncedGaps(p.Exchange, p.Symbol, 0)
		if err != nil {
			return nil, err
		}
		return model.GapResult{Gaps: gaps}, nil

	case model.GapMarkSynced:
		return nil, c.gaps.MarkGapSynced(p.Exchange, p.Symbol, p.FromTradeID, p.ToTradeID)

	default:
		return nil, fmt.Errorf("persist: unknown gap action %q", p.Action)
	}
}

// handleMetrics just logs: telemetry is best effort and never persisted.
func (c *Consumer) handleMetrics(env model.Envelope) (any, error) {
	log.Printf("[persist] ingest metrics: %s", env.Payload)
	return nil, nil
}

// RunPoller drains the durable queue through the same dispatch path as the
// socket, once a second in batches. Rows are only acked after their handler
// succeeds, so a crash mid-batch replays the remainder.
func (c *Consumer) RunPoller(ctx context.Context, srv *ipc.Server) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.pollOnce(srv); err != nil {
			log.Printf("[persist] queue poll: %v", err)
			continue
		}
		c.lastPollOK.Store(time.Now().UnixMilli())

		polls++
		if polls%cleanupEvery == 0 {
			removed, err := c.queue.Cleanup(c.retention)
			if err != nil {
				log.Printf("[persist] queue cleanup: %v", err)
			} else if removed > 0 {
				log.Printf("[persist] queue cleanup removed %d rows", removed)
			}
		}
	}
}

func (c *Consumer) pollOnce(srv *ipc.Server) error {
	msgs, err := c.queue.Dequeue(pollBatchSize)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		var env model.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			// Undecodable rows would replay forever; ack and drop them.
			log.Printf("[persist] corrupt queue row %s: %v", m.ID, err)
			if err := c.queue.MarkProcessed(m.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := srv.Dispatch(env); err != nil {
			log.Printf("[persist] replay %s (row %s): %v", env.Type, m.ID, err)
			continue
		}
		if err := c.queue.MarkProcessed(m.ID); err != nil {
			return err
		}
		c.queueDrained.Add(1)
	}
	return nil
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	CandlesWritten int64 `json:"candles_written"`
	StatesWritten  int64 `json:"states_written"`
	GapsWritten    int64 `json:"gaps_written"`
	QueueDrained   int64 `json:"queue_drained"`
	LastPollOKMS   int64 `json:"last_poll_ok_ms"`
}

// Stats returns the counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		CandlesWritten: c.candlesWritten.Load(),
		StatesWritten:  c.statesWritten.Load(),
		GapsWritten:    c.gapsWritten.Load(),
		QueueDrained:   c.queueDrained.Load(),
		LastPollOKMS:   c.lastPollOK.Load(),
	}
}
