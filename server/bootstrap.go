package server

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/mrfriendly-bv/wilford/storage"
)

// Bootstrap ensures an internal OAuth client exists: if none does yet, it
// creates the internal "Wilford" client and logs its credentials exactly
// once, on first boot.
func Bootstrap(ctx context.Context, store storage.Storage, defaultRedirectURI string, logger logrus.FieldLogger) error {
	_, err := store.GetInternalClient(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	client := storage.Client{
		ClientID:     storage.NewClientID(),
		ClientSecret: storage.NewClientSecret(),
		Name:         "Wilford",
		RedirectURI:  defaultRedirectURI,
		IsInternal:   true,
	}
	if err := store.CreateClient(ctx, client); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"client_id":     client.ClientID,
		"client_secret": client.ClientSecret,
	}).Warn("bootstrapped the internal Wilford OAuth client; these credentials are not logged again")
	return nil
}
