package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FuturesClass is the class code of the futures market.
const FuturesClass = "SPBFUT"

var bondClasses = map[string]bool{"TQOB": true, "TQCB": true, "TQRD": true, "TQIR": true}

// Info is the trading metadata of one instrument.
type Info struct {
	ClassCode string
	SecCode   string
	TickSize  float64
	LotSize   float64
	Scale     int32
	FaceValue float64
	StepPrice float64
}

// Key is the instrument name, CLASS.SEC.
func (i Info) Key() string { return i.ClassCode + "." + i.SecCode }

// ValidPrice rounds price down to the tick and truncates it to the scale.
func (i Info) ValidPrice(price float64) decimal.Decimal {
	p := decimal.NewFromFloat(price)
	if i.TickSize > 0 {
		step := decimal.NewFromFloat(i.TickSize)
		p = p.Div(step).Floor().Mul(step)
	}
	if i.Scale > 0 {
		p = p.Truncate(i.Scale)
	}
	return p
}

// SizeToLots converts units to whole lots.
func (i Info) SizeToLots(size float64) float64 {
	if i.LotSize <= 0 {
		return size
	}
	lots, _ := decimal.NewFromFloat(size).Div(decimal.NewFromFloat(i.LotSize)).Floor().Float64()
	return lots
}

// LotsToSize converts lots to units.
func (i Info) LotsToSize(lots float64) float64 {
	if i.LotSize <= 0 {
		return lots
	}
	size, _ := decimal.NewFromFloat(lots).Mul(decimal.NewFromFloat(i.LotSize)).Float64()
	return size
}

// ToAccountCurrency converts a quoted price to account currency per unit.
// Bonds are quoted in percent of face value. Futures are quoted in points
// worth StepPrice per tick for a whole lot.
func (i Info) ToAccountCurrency(price float64) float64 {
	switch {
	case bondClasses[i.ClassCode]:
		return price / 100 * i.FaceValue
	case i.ClassCode == FuturesClass && i.StepPrice > 0 && i.LotSize > 1 && i.TickSize > 0:
		lotPrice := decimal.NewFromFloat(price).Div(decimal.NewFromFloat(i.TickSize)).Floor().
			Mul(decimal.NewFromFloat(i.StepPrice))
		unit, _ := lotPrice.Div(decimal.NewFromFloat(i.LotSize)).Float64()
		return unit
	}
	return price
}

// PriceSource reports the last traded price of a symbol.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// StaticInstruments serves metadata from configuration. Prices come from
// SetLastPrice or, when nothing was set, from the optional price source.
type StaticInstruments struct {
	mu     sync.RWMutex
	infos  map[string]Info
	prices map[string]float64
	source PriceSource
}

func NewStaticInstruments(infos []Info, source PriceSource) *StaticInstruments {
	s := &StaticInstruments{
		infos:  make(map[string]Info, len(infos)),
		prices: make(map[string]float64),
		source: source,
	}
	for _, info := range infos {
		s.infos[info.Key()] = info
	}
	return s
}

func (s *StaticInstruments) Info(_ context.Context, classCode, secCode string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[classCode+"."+secCode]
	if !ok {
		return Info{}, fmt.Errorf("instrument %s.%s: %w", classCode, secCode, ErrNotFound)
	}
	return info, nil
}

func (s *StaticInstruments) LastPrice(_ context.Context, classCode, secCode string) (float64, error) {
	s.mu.RLock()
	price, ok := s.prices[classCode+"."+secCode]
	s.mu.RUnlock()
	if ok {
		return price, nil
	}
	if s.source != nil {
		if price, ok := s.source.LastPrice(NormalizeSymbol(secCode)); ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("last price %s.%s: %w", classCode, secCode, ErrNotFound)
}

func (s *StaticInstruments) SetLastPrice(classCode, secCode string, price float64) {
	s.mu.Lock()
	s.prices[classCode+"."+secCode] = price
	s.mu.Unlock()
}

// StaticAccounts serves a fixed account, for paper trading.
type StaticAccounts struct {
	mu       sync.RWMutex
	info     AccountInfo
	cash     float64
	holdings []Holding
}

func NewStaticAccounts(info AccountInfo, cash float64, holdings []Holding) *StaticAccounts {
	return &StaticAccounts{info: info, cash: cash, holdings: holdings}
}

func (s *StaticAccounts) Account(context.Context) (AccountInfo, error) {
	if s.info.TradeAccountID == "" {
		return AccountInfo{}, fmt.Errorf("trade account: %w", ErrNotFound)
	}
	return s.info, nil
}

func (s *StaticAccounts) Cash(context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash, nil
}

func (s *StaticAccounts) SetCash(cash float64) {
	s.mu.Lock()
	s.cash = cash
	s.mu.Unlock()
}

func (s *StaticAccounts) Positions(context.Context) ([]Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Holding(nil), s.holdings...), nil
}
