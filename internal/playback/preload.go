/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// preloader warms the OS cache for likely-next tracks on a single worker.
// Best effort: no ordering guarantees, drops work when busy.
type preloader struct {
	logger    zerolog.Logger
	ch        chan string
	closeOnce sync.Once
	done      chan struct{}
}

func newPreloader(logger zerolog.Logger) *preloader {
	p := &preloader{
		logger: logger.With().Str("component", "preload").Logger(),
		ch:     make(chan string, 4),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *preloader) run() {
	buf := make([]byte, 256*1024)
	for {
		select {
		case <-p.done:
			return
		case path := <-p.ch:
			f, err := os.Open(path)
			if err != nil {
				p.logger.Debug().Err(err).Str("path", path).Msg("preload open failed")
				continue
			}
			// touch the head of the file; enough to spin up the disk and
			// populate the cache for the decoder
			_, _ = f.Read(buf)
			_ = f.Close()
			p.logger.Debug().Str("path", path).Msg("preloaded")
		}
	}
}

func (p *preloader) schedule(path string) {
	select {
	case p.ch <- path:
	default:
	}
}

func (p *preloader) close() {
	p.closeOnce.Do(func() { close(p.done) })
}
