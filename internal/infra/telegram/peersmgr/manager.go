// Package peersmgr: обёртка над gotd peers.Manager с кэшем пиров в bbolt.
//
// Сервис держит открытую базу, прогружает сохранённые пиры в менеджер при
// старте, хранит офлайн-снимок диалогов и переводит имя комнаты
// ("user:<id>", "chat:<id>", "channel:<id>") в tg.InputPeerClass.
package peersmgr

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"telegram-chatsync/internal/infra/storage"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

var (
	peersBucket      = []byte("peers")
	dialogsBucket    = []byte("dialogs_snapshot")
	dialogsSnapshotK = []byte("v1")
)

// Service инкапсулирует менеджер пиров и bbolt-хранилище.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	mu      sync.RWMutex
	dialogs []DialogRef
}

// New открывает кэш пиров по пути dbPath и читает сохранённый снимок
// диалогов. Сетевых запросов не делает.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	db, err := storage.OpenBolt(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "peersmgr")
	}

	s := &Service{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucket),
		Mgr:   (peers.Options{}).Build(api),
	}
	if err := s.loadDialogsSnapshot(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close закрывает файл базы.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// Dialogs возвращает копию офлайн-снимка диалогов.
func (s *Service) Dialogs() []DialogRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.dialogs) == 0 {
		return nil
	}
	out := make([]DialogRef, len(s.dialogs))
	copy(out, s.dialogs)
	return out
}

// LoadFromStorage прогружает сохранённые пиры в peers.Manager. Битый бакет
// (старый формат) пересоздаётся, чтобы не блокировать старт.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, ok, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONError(err) {
			return s.resetPeersBucket()
		}
		return errors.Wrap(err, "peersmgr: iterate stored peers")
	}
	if !ok {
		return nil
	}
	defer func() { _ = iter.Close() }()

	var (
		users []tg.UserClass
		chats []tg.ChatClass
	)
	for iter.Next(ctx) {
		v := iter.Value()
		switch v.Key.Kind {
		case dialogs.User:
			if v.User != nil {
				users = append(users, v.User)
			} else {
				users = append(users, &tg.User{ID: v.Key.ID, AccessHash: v.Key.AccessHash})
			}
		case dialogs.Chat:
			if v.Chat != nil {
				chats = append(chats, v.Chat)
			} else {
				chats = append(chats, &tg.Chat{ID: v.Key.ID})
			}
		case dialogs.Channel:
			if v.Channel != nil {
				chats = append(chats, v.Channel)
			} else {
				chats = append(chats, &tg.Channel{ID: v.Key.ID, AccessHash: v.Key.AccessHash})
			}
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "peersmgr: iterate stored peers")
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// ResolveRoom переводит имя комнаты в InputPeer через peers.Manager.
func (s *Service) ResolveRoom(ctx context.Context, room string) (tg.InputPeerClass, error) {
	ref, err := ParseRoom(room)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case DialogKindUser:
		u, err := s.Mgr.ResolveUserID(ctx, ref.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve user %d", ref.ID)
		}
		return u.InputPeer(), nil
	case DialogKindChat:
		c, err := s.Mgr.ResolveChatID(ctx, ref.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve chat %d", ref.ID)
		}
		return c.InputPeer(), nil
	case DialogKindChannel:
		ch, err := s.Mgr.ResolveChannelID(ctx, ref.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve channel %d", ref.ID)
		}
		return ch.InputPeer(), nil
	default:
		return nil, errors.Errorf("peersmgr: room kind %q has no peer", ref.Kind)
	}
}

// RefreshDialogs перечитывает список диалогов, обновляет менеджер и снимок.
func (s *Service) RefreshDialogs(ctx context.Context) error {
	api := s.Mgr.API()
	if api == nil {
		return errors.New("peersmgr: telegram client is nil")
	}
	res, err := fetchDialogs(ctx, api)
	if err != nil {
		return errors.Wrap(err, "peersmgr: fetch dialogs")
	}
	if err := s.Mgr.Apply(ctx, res.users, res.chats); err != nil {
		return errors.Wrap(err, "peersmgr: apply entities")
	}
	return s.saveDialogsSnapshot(dialogRefs(res.dialogs))
}

// WarmupIfEmpty загружает диалоги, только если кэш ещё пуст.
func (s *Service) WarmupIfEmpty(ctx context.Context) error {
	empty, err := s.isEmpty()
	if err != nil {
		return errors.Wrap(err, "peersmgr: check db empty")
	}
	if !empty {
		return nil
	}
	return s.RefreshDialogs(ctx)
}

func (s *Service) isEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(peersBucket); b != nil {
			if k, _ := b.Cursor().First(); k != nil {
				empty = false
				return nil
			}
		}
		if b := tx.Bucket(dialogsBucket); b != nil && len(b.Get(dialogsSnapshotK)) > 0 {
			empty = false
		}
		return nil
	})
	return empty, err
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucket) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	return errors.As(err, &typeErr) || errors.As(err, &syntaxErr) || strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
}

func (s *Service) loadDialogsSnapshot() error {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(dialogsBucket); b != nil {
			raw = append(raw, b.Get(dialogsSnapshotK)...)
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "peersmgr: load snapshot")
	}
	if len(raw) == 0 {
		s.setDialogs(nil)
		return nil
	}
	var refs []DialogRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return errors.Wrap(err, "peersmgr: decode snapshot")
	}
	s.setDialogs(refs)
	return nil
}

func (s *Service) saveDialogsSnapshot(refs []DialogRef) error {
	payload, err := json.Marshal(refs)
	if err != nil {
		return errors.Wrap(err, "peersmgr: marshal snapshot")
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(dialogsBucket)
		if err != nil {
			return err
		}
		return b.Put(dialogsSnapshotK, payload)
	}); err != nil {
		return errors.Wrap(err, "peersmgr: save snapshot")
	}
	s.setDialogs(refs)
	return nil
}

func (s *Service) setDialogs(refs []DialogRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs = append([]DialogRef(nil), refs...)
}

// Apply передаёт сущности из ответов API в peers.Manager.
func (s *Service) Apply(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	return s.Mgr.Apply(ctx, users, chats)
}
