// Package relay republishes link status and telemetry to an MQTT broker so
// other ground tools can follow the Air-Side without talking to it.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

const DefaultTopicPrefix = "groundlink"

// Stream names, also the last topic segment.
const (
	StreamStatus    = "status"
	StreamSystem    = "system"
	StreamCamera    = "camera"
	StreamGimbal    = "gimbal"
	StreamDownloads = "downloads"
)

// Sources is the stream surface of the link manager.
type Sources interface {
	StatusStream() session.Observable[session.ConnectionStatus]
	SystemStream() session.Observable[*protocol.SystemStatus]
	CameraStream() session.Observable[*protocol.CameraStatus]
	GimbalStream() session.Observable[*protocol.GimbalStatus]
	DownloadsStream() session.Observable[*protocol.DownloadStatus]
}

// Publisher delivers one payload to one topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Stats struct {
	Published uint64
	Errors    uint64
}

type Relay struct {
	prefix string
	pub    Publisher
	src    Sources

	published atomic.Uint64
	errors    atomic.Uint64
}

// New relays src to pub under prefix/<stream>. An empty prefix uses
// DefaultTopicPrefix.
func New(src Sources, pub Publisher, prefix string) *Relay {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Relay{prefix: prefix, pub: pub, src: src}
}

func (r *Relay) Topic(stream string) string {
	return r.prefix + "/" + stream
}

// Run publishes every update until ctx ends. Empty telemetry slots are not
// published. Publish failures are counted and logged, never fatal.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	relay(ctx, &wg, r, StreamStatus, r.src.StatusStream(), always[session.ConnectionStatus])
	relay(ctx, &wg, r, StreamSystem, r.src.SystemStream(), notNil[protocol.SystemStatus])
	relay(ctx, &wg, r, StreamCamera, r.src.CameraStream(), notNil[protocol.CameraStatus])
	relay(ctx, &wg, r, StreamGimbal, r.src.GimbalStream(), notNil[protocol.GimbalStatus])
	relay(ctx, &wg, r, StreamDownloads, r.src.DownloadsStream(), notNil[protocol.DownloadStatus])
	logging.Infof("relay.Relay.run prefix=%s", r.prefix)
	wg.Wait()
}

func (r *Relay) Stats() Stats {
	return Stats{Published: r.published.Load(), Errors: r.errors.Load()}
}

func (r *Relay) publish(stream string, v any) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = r.pub.Publish(r.Topic(stream), payload)
	}
	if err != nil {
		r.errors.Add(1)
		observability.RecordRelayPublish(stream, "error")
		logging.Debugf("relay.Relay.publish stream=%s err=%v", stream, err)
		return
	}
	r.published.Add(1)
	observability.RecordRelayPublish(stream, "ok")
}

func relay[T any](ctx context.Context, wg *sync.WaitGroup, r *Relay, stream string, src session.Observable[T], keep func(T) bool) {
	ch, unsubscribe := src.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				if keep(v) {
					r.publish(stream, v)
				}
			}
		}
	}()
}

func always[T any](T) bool { return true }

func notNil[T any](v *T) bool { return v != nil }
