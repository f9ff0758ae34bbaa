package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/smerror"
)

// ErrKeep 由回放处理函数返回，表示日志应保留到下次回放
var ErrKeep = errors.New("keep journal entry")

// Handler 回放一条日志，返回 nil 后日志被删除
// 处理函数必须是幂等的：对已经一致的状态重复执行不产生任何修改
type Handler func(ctx context.Context, entry Entry) error

// Replay 按写入顺序回放所有日志
// 回放出错时立即停止并返回 JournalReplayFailure，剩余日志保持原样
func (j *Journaler) Replay(ctx context.Context, handlers map[Kind]Handler) (int, error) {
	logger := zerolog.Ctx(ctx).With().Str("sr_uuid", j.srUUID).Logger()

	entries, err := j.GetAll(ctx, "")
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		handler, ok := handlers[entry.Kind]
		if !ok {
			return replayed, smerror.Newf(smerror.CodeJournalReplayFailure,
				"no replay handler for journal kind %s", entry.Kind).WithObject(entry.Target)
		}

		exists, err := j.lvm.LVExists(ctx, j.vg, VolumeName(entry.Kind, entry.Target))
		if err != nil {
			return replayed, err
		}
		if !exists {
			// 前面的日志在回放时已经完成并删除了这一条
			logger.Debug().Str("kind", string(entry.Kind)).Str("target", entry.Target).Msg("Journal already settled")
			continue
		}

		err = handler(ctx, entry)
		if errors.Is(err, ErrKeep) {
			logger.Info().Str("kind", string(entry.Kind)).Str("target", entry.Target).Msg("Journal left for master")
			continue
		}
		if err != nil {
			if smerror.CodeOf(err) == smerror.CodeJournalReplayFailure {
				return replayed, err
			}
			return replayed, smerror.Wrap(smerror.CodeJournalReplayFailure,
				fmt.Sprintf("failed to replay %s journal", entry.Kind), err).WithObject(entry.Target)
		}

		if err := j.Remove(ctx, entry.Kind, entry.Target); err != nil {
			return replayed, err
		}
		replayed++
		logger.Info().Str("kind", string(entry.Kind)).Str("target", entry.Target).Msg("Journal replayed")
	}
	return replayed, nil
}
