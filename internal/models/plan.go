package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Статусы плана (жизненный цикл)
//
// pending → executing → {executed | failed | cancelled | expired}
// pending → executing → pending_order_placed → {executed | cancelled}
// pending → {cancelled | expired} напрямую (только шедулер)
const (
	StatusPending      = "pending"
	StatusExecuting    = "executing"
	StatusPendingOrder = "pending_order_placed"
	StatusExecuted     = "executed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
	StatusExpired      = "expired"
)

// Направления сделки
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Ошибки валидации плана
var (
	ErrInvalidSymbol     = errors.New("symbol is required")
	ErrInvalidDirection  = errors.New("direction must be long or short")
	ErrNonPositivePrice  = errors.New("prices and size must be positive")
	ErrInconsistentStops = errors.New("stop/target inconsistent with direction")
	ErrExpiryInPast      = errors.New("expires_at must be in the future")
	ErrEmptyConditions   = errors.New("at least one condition is required")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Params - параметры одного условия (произвольный payload)
type Params map[string]interface{}

// Float возвращает числовой параметр
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// FloatOr возвращает числовой параметр или значение по умолчанию
func (p Params) FloatOr(key string, def float64) float64 {
	if v, ok := p.Float(key); ok {
		return v
	}
	return def
}

// String возвращает строковый параметр
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ConditionSet - именованный набор условий плана: имя условия → параметры.
// Хранится в БД как JSONB, сериализация через json-iterator.
type ConditionSet map[string]Params

// Value реализует driver.Valuer для записи в БД
func (c ConditionSet) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan реализует sql.Scanner для чтения из БД
func (c *ConditionSet) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ConditionSet", src)
	}
	if len(data) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(data, c)
}

// Plan представляет условный торговый план - единицу работы мониторинга
type Plan struct {
	ID          string       `json:"id" db:"id"`
	Symbol      string       `json:"symbol" db:"symbol"`             // BTCUSDT
	Direction   string       `json:"direction" db:"direction"`       // long, short
	EntryPrice  float64      `json:"entry_price" db:"entry_price"`   // цена входа
	StopPrice   float64      `json:"stop_price" db:"stop_price"`     // стоп-лосс
	TargetPrice float64      `json:"target_price" db:"target_price"` // тейк-профит
	Size        float64      `json:"size" db:"size"`                 // объем позиции
	Conditions  ConditionSet `json:"conditions" db:"conditions"`     // имя условия → параметры
	Status      string       `json:"status" db:"status"`
	Notes       string       `json:"notes,omitempty" db:"notes"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty" db:"executed_at"`

	// Тикеты брокера
	Ticket        string `json:"ticket,omitempty" db:"ticket"`
	PendingTicket string `json:"pending_ticket,omitempty" db:"pending_order_ticket"`

	// Служебные поля мониторинга
	CancelReason  string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty" db:"last_check_at"`
	ZoneEnteredAt *time.Time `json:"zone_entered_at,omitempty" db:"zone_entered_at"`
	RecheckCount  int        `json:"recheck_count" db:"recheck_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
}

// Validate проверяет инварианты плана при создании.
// Условия консистентности stop/target:
//   - long:  stop < entry < target
//   - short: target < entry < stop
func (p *Plan) Validate() error {
	if p.Symbol == "" {
		return ErrInvalidSymbol
	}
	if p.Direction != DirectionLong && p.Direction != DirectionShort {
		return ErrInvalidDirection
	}
	if p.EntryPrice <= 0 || p.StopPrice <= 0 || p.TargetPrice <= 0 || p.Size <= 0 {
		return ErrNonPositivePrice
	}
	switch p.Direction {
	case DirectionLong:
		if p.StopPrice >= p.EntryPrice || p.TargetPrice <= p.EntryPrice {
			return ErrInconsistentStops
		}
	case DirectionShort:
		if p.StopPrice <= p.EntryPrice || p.TargetPrice >= p.EntryPrice {
			return ErrInconsistentStops
		}
	}
	if len(p.Conditions) == 0 {
		return ErrEmptyConditions
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(time.Now()) {
		return ErrExpiryInPast
	}
	return nil
}

// IsExpired возвращает true если срок действия плана истёк
func (p *Plan) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// IsActive возвращает true если план участвует в мониторинге
func (p *Plan) IsActive() bool {
	return p.Status == StatusPending || p.Status == StatusPendingOrder
}

// IsTerminal возвращает true для конечных статусов
func IsTerminal(status string) bool {
	switch status {
	case StatusExecuted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Clone возвращает глубокую копию плана для безопасной итерации вне лока
func (p *Plan) Clone() *Plan {
	cp := *p
	if p.Conditions != nil {
		cp.Conditions = make(ConditionSet, len(p.Conditions))
		for name, params := range p.Conditions {
			pc := make(Params, len(params))
			for k, v := range params {
				pc[k] = v
			}
			cp.Conditions[name] = pc
		}
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		cp.ExecutedAt = &t
	}
	if p.LastCheckAt != nil {
		t := *p.LastCheckAt
		cp.LastCheckAt = &t
	}
	if p.ZoneEnteredAt != nil {
		t := *p.ZoneEnteredAt
		cp.ZoneEnteredAt = &t
	}
	if p.CooldownUntil != nil {
		t := *p.CooldownUntil
		cp.CooldownUntil = &t
	}
	return &cp
}
