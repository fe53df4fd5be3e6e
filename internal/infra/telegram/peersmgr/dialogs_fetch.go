package peersmgr

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
)

const (
	dialogPageSize = 100
	dialogPauseMin = 500 * time.Millisecond
	dialogPauseMax = 1500 * time.Millisecond
)

// dialogList: все диалоги аккаунта и сущности, встреченные при выгрузке.
type dialogList struct {
	dialogs []tg.DialogClass
	users   []tg.UserClass
	chats   []tg.ChatClass
}

// fetchDialogs выгружает список диалогов итератором gotd; смещения и
// access_hash для следующей страницы итератор ведёт сам. Между страницами
// выдерживается случайная пауза.
func fetchDialogs(ctx context.Context, api *tg.Client) (dialogList, error) {
	var (
		out      dialogList
		users    = make(map[int64]struct{})
		chats    = make(map[int64]struct{})
		channels = make(map[int64]struct{})
	)
	err := query.GetDialogs(api).BatchSize(dialogPageSize).ForEach(ctx, func(ctx context.Context, e dialogs.Elem) error {
		if len(out.dialogs) > 0 && len(out.dialogs)%dialogPageSize == 0 {
			if err := pause(ctx); err != nil {
				return err
			}
		}
		out.dialogs = append(out.dialogs, e.Dialog)

		for id, u := range e.Entities.Users() {
			if _, seen := users[id]; !seen {
				users[id] = struct{}{}
				out.users = append(out.users, u)
			}
		}
		for id, c := range e.Entities.Chats() {
			if _, seen := chats[id]; !seen {
				chats[id] = struct{}{}
				out.chats = append(out.chats, c)
			}
		}
		for id, c := range e.Entities.Channels() {
			if _, seen := channels[id]; !seen {
				channels[id] = struct{}{}
				out.chats = append(out.chats, c)
			}
		}
		return nil
	})
	if err != nil {
		return dialogList{}, errors.Wrap(err, "iterate dialogs")
	}
	return out, nil
}

func pause(ctx context.Context) error {
	t := time.NewTimer(dialogPauseMin + rand.N(dialogPauseMax-dialogPauseMin))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
