package service

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fopgate/fopgate/internal/model"
)

// AuditService 异步落审计事件:一路写 DB,一路写本地 jsonl 文件。
// DB 不可用时内存环形缓冲保证最近的事件还能查询。
type AuditService struct {
	logChan chan *model.AuditEvent
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
}

type AuditRepo interface {
	Insert(ctx context.Context, e *model.AuditEvent) error
	List(ctx context.Context, clientID, eventType string, limit int, from, to *time.Time) ([]*model.AuditEvent, error)
}

func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	// 简单的按日轮转文件
	filename := filepath.Join(logDir, "audit-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	svc := &AuditService{
		logChan: make(chan *model.AuditEvent, 1000),
		logFile: f,
		buffer:  newAuditBuffer(1000),
		repo:    repo,
	}

	go svc.processEvents()

	return svc, nil
}

func (s *AuditService) Log(event *model.AuditEvent) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if s.buffer != nil {
		s.buffer.Add(event)
	}
	select {
	case s.logChan <- event:
	default:
		// 缓冲区满,丢弃以保护主流程
		log.Println("audit buffer full, dropping event")
	}
}

// Emit 业务事件的便捷入口。riskRule 仅拒单类事件填写。
func (s *AuditService) Emit(clientID, eventType, riskRule string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	s.Log(&model.AuditEvent{
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
		RiskRule:  riskRule,
	})
}

func (s *AuditService) List(ctx context.Context, clientID, eventType string, limit int, from, to *time.Time) ([]*model.AuditEvent, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, clientID, eventType, limit, from, to)
		if err == nil {
			return records, nil
		}
	}
	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer.List(clientID, eventType, limit), nil
}

func (s *AuditService) processEvents() {
	encoder := json.NewEncoder(s.logFile)
	for event := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), event); err != nil {
				log.Printf("failed to write audit event to DB: %v", err)
			}
		}
		if err := encoder.Encode(event); err != nil {
			log.Printf("failed to write audit event: %v", err)
		}
	}
}

func (s *AuditService) Close() {
	close(s.logChan)
	s.logFile.Close()
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditEvent
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditEvent, 0, maxSize),
	}
}

func (b *auditBuffer) Add(event *model.AuditEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, event)
		return
	}
	b.records[b.nextIndex] = event
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *auditBuffer) List(clientID, eventType string, limit int) []*model.AuditEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditEvent, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		event := b.records[idx]
		if event == nil {
			continue
		}
		if clientID != "" && event.ClientID != clientID {
			continue
		}
		if eventType != "" && event.EventType != eventType {
			continue
		}
		results = append(results, event)
		if len(results) >= limit {
			break
		}
	}
	return results
}
