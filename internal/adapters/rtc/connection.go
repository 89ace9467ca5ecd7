package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/tradingroom/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

// PeerPublisher publishes the primary share and the microphone over one
// pion PeerConnection. The remote side is whatever answers its offers.
type PeerPublisher struct {
	pc       *webrtc.PeerConnection
	id       string
	micMime  string
	onICE    func(webrtc.ICECandidateInit)
	cancel   context.CancelFunc
	onClosed func()
	logger   zerolog.Logger

	mu         sync.Mutex
	video      *webrtc.RTPSender
	videoTrack *media.Track
	mic        *media.Track
	micSender  *webrtc.RTPSender
	closed     bool
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func NewPeerPublisher(cfg webrtc.Configuration, id string) (*PeerPublisher, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerPublisher{
		pc:      pc,
		id:      id,
		micMime: webrtc.MimeTypeOpus,
		logger:  log.With().Str("module", "adapters.rtc").Str("peer", id).Logger(),
	}, nil
}

func (p *PeerPublisher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if p.onClosed != nil {
				p.onClosed()
			}
		}
	})

	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && p.onICE != nil {
			p.onICE(cand.ToJSON())
		}
	})

	p.pc.OnNegotiationNeeded(func() {
		p.logger.Debug().Msg("negotiation needed")
	})

	// the peer lives as long as ctx, or until ICE fails
	go func() {
		<-ctx.Done()
		p.logger.Debug().Msg("publisher context done")
		p.Close()
	}()
	return nil
}

// CreateOffer builds an offer with every candidate gathered.
func (p *PeerPublisher) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.pc.LocalDescription(), nil
}

func (p *PeerPublisher) ApplyAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

// ApplyOfferAndCreateAnswer serves a remote-initiated negotiation.
func (p *PeerPublisher) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return p.pc.LocalDescription(), nil
}

func (p *PeerPublisher) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

func (p *PeerPublisher) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *PeerPublisher) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.onICE = fn
}

// OnClosed sets the callback for a failed or closed connection.
func (p *PeerPublisher) OnClosed(fn func()) { p.onClosed = fn }

func (p *PeerPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.mic != nil {
		p.mic.Stop()
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Error().Err(err).Msg("close error")
	} else {
		p.logger.Info().Msg("closed")
	}
}
