package archive

import (
	"time"

	"github.com/suPer8Hu/kitbot/internal/chat"
)

// Exchange is one archived chat exchange. ID is the exchange ULID.
type Exchange struct {
	ID        string `gorm:"primaryKey;size:26"`
	SessionID string `gorm:"size:128;index:idx_session_started,priority:1;not null"`

	Status    chat.ExchangeStatus `gorm:"type:varchar(16);index;not null"`
	UserText  string              `gorm:"type:text;not null"`
	Reply     string              `gorm:"type:text"`
	Error     *string             `gorm:"type:text"`
	Fragments int                 `gorm:"not null"`

	StartedAt  time.Time `gorm:"index:idx_session_started,priority:2"`
	FinishedAt time.Time
	CreatedAt  time.Time
}

func (Exchange) TableName() string { return "chat_exchanges" }

func fromRecord(rec chat.ExchangeRecord) *Exchange {
	ex := &Exchange{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Status:     rec.Status,
		UserText:   rec.User,
		Reply:      rec.Reply,
		Fragments:  rec.Fragments,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	if rec.Error != "" {
		e := rec.Error
		ex.Error = &e
	}
	return ex
}
