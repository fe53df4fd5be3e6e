package telegramchatsync

import (
	rand "math/rand/v2"
	"time"

	"telegram-chatsync/internal/infra/retry"

	"github.com/gotd/td/tgerr"
)

// floodWaitJitterMax: верхняя граница случайной добавки к FLOOD_WAIT.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor распознаёт FLOOD_WAIT и FLOOD_PREMIUM_WAIT и возвращает
// паузу из ошибки плюс джиттер до floodWaitJitterMax.
func FloodWaitExtractor() retry.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + floodWaitJitter(), true
	}
}

func floodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}
