package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ai-gateway/models"
)

// AsyncUsageLogger 异步用量落库
// 请求路径只做一次非阻塞投递，真正的写入由后台批量完成；
// 队列满直接丢弃并告警，用量统计不值得拖慢请求
type AsyncUsageLogger struct {
	db      *gorm.DB
	logger  *logrus.Logger
	queue   chan *models.UsageEvent
	done    chan struct{}
	wg      sync.WaitGroup
	maxRows int64
}

const (
	usageQueueSize  = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageKeepRows   = 5000
)

// NewAsyncUsageLogger 创建并启动后台写入协程
func NewAsyncUsageLogger(db *gorm.DB, logger *logrus.Logger) *AsyncUsageLogger {
	l := &AsyncUsageLogger{
		db:      db,
		logger:  logger,
		queue:   make(chan *models.UsageEvent, usageQueueSize),
		done:    make(chan struct{}),
		maxRows: usageKeepRows,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record 非阻塞投递一条用量事件
func (l *AsyncUsageLogger) Record(ev *models.UsageEvent) {
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("usage queue full, dropping event")
	}
}

func (l *AsyncUsageLogger) run() {
	defer l.wg.Done()

	batch := make([]*models.UsageEvent, 0, usageBatchSize)
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case ev := <-l.queue:
			batch = append(batch, ev)
			if len(batch) >= usageBatchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
			l.prune()
		case <-l.done:
			// 退出前清空队列
			for {
				select {
				case ev := <-l.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (l *AsyncUsageLogger) flush(batch []*models.UsageEvent) {
	if err := l.db.CreateInBatches(batch, usageBatchSize).Error; err != nil {
		l.logger.Errorf("usage flush failed (%d events): %v", len(batch), err)
	}
}

// prune 只保留最新 maxRows 条，SQLite 文件不做无限增长
func (l *AsyncUsageLogger) prune() {
	var count int64
	if err := l.db.Model(&models.UsageEvent{}).Count(&count).Error; err != nil || count <= l.maxRows {
		return
	}
	sub := l.db.Model(&models.UsageEvent{}).Select("id").Order("id DESC").Limit(int(l.maxRows))
	if err := l.db.Where("id NOT IN (?)", sub).Delete(&models.UsageEvent{}).Error; err != nil {
		l.logger.Warnf("usage prune failed: %v", err)
	}
}

// Close 停止后台协程并把剩余事件写完
func (l *AsyncUsageLogger) Close() {
	close(l.done)
	l.wg.Wait()
}
