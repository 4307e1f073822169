package model

import (
	"time"
)

// HaltState 全局急停开关的单例状态，共享存储里 last-write-wins。
type HaltState struct {
	Halted    bool      `json:"halted"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}
