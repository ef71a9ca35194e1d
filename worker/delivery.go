package worker

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"media-fetch-bot/shared"
)

const (
	transportSmall = "bot_api"
	transportLarge = "large"
)

// StatusSetter is the part of ProgressReporter the selector needs
type StatusSetter interface {
	Set(ctx context.Context, text string)
}

// DeliveryRequest describes one upload
type DeliveryRequest struct {
	ChatID   int64
	Path     string
	Size     int64
	Caption  string
	Progress chan<- shared.ProgressEvent
	Status   StatusSetter
}

// DeliverySelector routes files of at most Limit bytes to Small and the rest to Large.
// A nil Large, or a file above LargeLimit, fails with ErrDeliveryFailed before any upload.
type DeliverySelector struct {
	Small      shared.Transport
	Large      shared.Transport
	Limit      int64
	LargeLimit int64
}

func NewDeliverySelector(small, large shared.Transport) *DeliverySelector {
	return &DeliverySelector{
		Small:      small,
		Large:      large,
		Limit:      shared.SmallTransportLimit,
		LargeLimit: shared.LocalBotAPIMaxUpload,
	}
}

// Route returns the transport for a payload of size bytes and its name
func (d *DeliverySelector) Route(size int64) (shared.Transport, string) {
	if size <= d.Limit {
		return d.Small, transportSmall
	}
	return d.Large, transportLarge
}

// Deliver uploads the file and returns the remote file handle
func (d *DeliverySelector) Deliver(ctx context.Context, req DeliveryRequest) (string, string, error) {
	transport, name := d.Route(req.Size)
	size := humanize.IBytes(uint64(req.Size))

	if req.Status != nil {
		if name == transportSmall {
			req.Status.Set(ctx, fmt.Sprintf("Sending via Bot API (%s)...", size))
		} else {
			req.Status.Set(ctx, fmt.Sprintf("File %s - sending via large-file transport...", size))
		}
	}
	if transport == nil {
		return "", name, errors.Wrapf(shared.ErrDeliveryFailed, "file of %s exceeds the Bot API limit and no large-file transport is configured", size)
	}
	if name == transportLarge && d.LargeLimit > 0 && req.Size > d.LargeLimit {
		return "", name, errors.Wrapf(shared.ErrDeliveryFailed, "file of %s exceeds the large-file limit of %s", size, humanize.IBytes(uint64(d.LargeLimit)))
	}

	handle, err := transport.SendFile(ctx, req.ChatID, req.Path, req.Caption, req.Progress)
	if err != nil {
		if errors.Is(err, shared.ErrDeliveryFailed) {
			return "", name, err
		}
		return "", name, errors.Wrapf(shared.ErrDeliveryFailed, "%s transport: %v", name, err)
	}
	if handle == "" {
		return "", name, errors.Wrapf(shared.ErrDeliveryFailed, "%s transport returned no file handle", name)
	}
	shared.DeliveredBytes.WithLabelValues(name).Add(float64(req.Size))
	return handle, name, nil
}
