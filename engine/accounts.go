package engine

import (
	"context"
	"errors"

	"golang.org/x/text/unicode/norm"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
	"cipherline/protocol"
)

// Register creates an account and returns it with its first token.
func (e *Engine) Register(ctx context.Context, nickname, name, password string) (*models.Account, string, error) {
	name, err := validName(name)
	if err != nil {
		return nil, "", err
	}
	nickname, err = validNickname(nickname)
	if err != nil {
		return nil, "", err
	}
	if err := validPassword(password); err != nil {
		return nil, "", err
	}

	account, token, err := e.store.CreateAccount(ctx, nickname, name, password)
	if errors.Is(err, db.ErrNameTaken) {
		return nil, "", apperr.New(apperr.NameTaken)
	}
	if err != nil {
		return nil, "", err
	}

	e.log.Info("account registered", "account", account.ID, "name", account.Name)
	return account, token, nil
}

// Login verifies the credential and issues a new token. Unknown names and
// wrong passwords are indistinguishable to the caller.
func (e *Engine) Login(ctx context.Context, name, password string) (*models.Account, string, error) {
	account, err := e.store.VerifyCredential(ctx, norm.NFC.String(name), password)
	if errors.Is(err, db.ErrNoRows) || errors.Is(err, db.ErrBadPassword) {
		return nil, "", apperr.New(apperr.InvalidCredential)
	}
	if err != nil {
		return nil, "", err
	}

	token, err := e.store.IssueToken(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// Authenticate resolves a bearer token.
func (e *Engine) Authenticate(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, apperr.New(apperr.NoCredential)
	}
	account, err := e.store.ResolveByToken(ctx, token)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.InvalidCredential)
	}
	return account, err
}

func (e *Engine) Profile(ctx context.Context, id string) (*models.Account, error) {
	return e.requireAccount(ctx, id)
}

func (e *Engine) ChangeNickname(ctx context.Context, id, nickname string) error {
	nickname, err := validNickname(nickname)
	if err != nil {
		return err
	}
	if err := e.store.UpdateNickname(ctx, id, nickname); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return apperr.New(apperr.UnknownAccount)
		}
		return err
	}
	return e.notify(ctx, id, protocol.NewEvent(protocol.EventNicknameChange, protocol.NicknamePayload{
		User:     id,
		Nickname: nickname,
	}))
}

// ChangePassword verifies the old password, rotates every token of the
// account and returns the replacement token.
func (e *Engine) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) (string, error) {
	if err := validPassword(newPassword); err != nil {
		return "", err
	}
	if err := e.checkPassword(ctx, id, oldPassword); err != nil {
		return "", err
	}
	token, err := e.store.ChangePassword(ctx, id, newPassword)
	if errors.Is(err, db.ErrNoRows) {
		return "", apperr.New(apperr.UnknownAccount)
	}
	return token, err
}

// DeleteAccount removes the account with its relations and messages,
// informs every related account and closes the account's live handles.
func (e *Engine) DeleteAccount(ctx context.Context, id, password string) error {
	if err := e.checkPassword(ctx, id, password); err != nil {
		return err
	}
	account, err := e.requireAccount(ctx, id)
	if err != nil {
		return err
	}

	unlock := e.lockPresence(id)
	defer unlock()

	peers, err := e.store.LinkedPeers(ctx, id)
	if err != nil {
		return err
	}
	err = e.ledger.WithPairs(id, peers, func() error {
		return e.store.DeleteAccount(ctx, id)
	})
	if errors.Is(err, db.ErrNoRows) {
		return apperr.New(apperr.UnknownAccount)
	}
	if err != nil {
		return err
	}
	if account.Avatar != nil {
		e.dropBlob(ctx, *account.Avatar)
	}

	ev := protocol.NewEvent(protocol.EventUserDelete, protocol.UserPayload{User: id})
	for _, peer := range peers {
		e.push(peer, ev)
	}
	bye := protocol.NewEvent(protocol.EventBye, protocol.ByePayload{Reason: "account deleted"})
	for _, h := range e.registry.HandlesFor(id) {
		e.pushHandle(h, bye)
		h.Close()
	}

	e.log.Info("account deleted", "account", id)
	return nil
}

// SetAvatar stores data as the account's avatar and returns its hash.
func (e *Engine) SetAvatar(ctx context.Context, id string, data []byte) (string, error) {
	contentType, err := e.avatarType(data)
	if err != nil {
		return "", err
	}

	hash, err := e.store.PutBlob(ctx, data, contentType)
	if err != nil {
		return "", err
	}
	previous, err := e.store.SetAvatar(ctx, id, &hash)
	if errors.Is(err, db.ErrNoRows) {
		return "", apperr.New(apperr.UnknownAccount)
	}
	if err != nil {
		return "", err
	}
	if previous != nil && *previous != hash {
		e.dropBlob(ctx, *previous)
	}

	err = e.notify(ctx, id, protocol.NewEvent(protocol.EventAvatarChange, protocol.AvatarPayload{
		User: id,
		Hash: &hash,
	}))
	return hash, err
}

func (e *Engine) Avatar(ctx context.Context, hash string) (*models.Blob, error) {
	blob, err := e.store.GetBlob(ctx, hash)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.New(apperr.UnknownAvatar)
	}
	return blob, err
}

// dropBlob deletes an avatar no account references anymore. Failures only
// leave an orphaned blob behind and are logged.
func (e *Engine) dropBlob(ctx context.Context, hash string) {
	used, err := e.store.AvatarReferenced(ctx, hash)
	if err == nil && !used {
		err = e.store.DeleteBlob(ctx, hash)
	}
	if err != nil {
		e.log.Warn("avatar cleanup failed", "hash", hash, "err", err)
	}
}

func (e *Engine) checkPassword(ctx context.Context, id, password string) error {
	err := e.store.CheckPassword(ctx, id, password)
	switch {
	case errors.Is(err, db.ErrBadPassword):
		return apperr.New(apperr.IncorrectPassword)
	case errors.Is(err, db.ErrNoRows):
		return apperr.New(apperr.UnknownAccount)
	}
	return err
}
