// Package evidence разбирает вставленное пользователем подтверждение
// mobile-money платежа: полный SMS оператора либо голый числовой ID.
//
// Разбор — эвристика поверх текста, который сервис не контролирует: при
// любом несовпадении грамматики результатом должна быть ошибка формата,
// а не паника.
package evidence

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnrecognizedFormat возвращается, когда текст не совпал с грамматикой
// оператора и не является числовым ID.
var (
	ErrUnrecognizedFormat = errors.New("unrecognized confirmation format")
	// ErrAmountMismatch возвращается, когда сумма из SMS не равна сумме купона.
	ErrAmountMismatch = errors.New("sms amount does not match coupon amount")
	// ErrUnknownOperator возвращается для оператора вне каталога.
	ErrUnknownOperator = errors.New("unknown operator")
)

// Candidate — структурированный кандидат на сверку, извлечённый из текста.
type Candidate struct {
	ReferenceID     string
	ExtractedAmount *int64
	TransactionDate time.Time
	AmountMismatch  bool
}

// grammar описывает канонический шаблон платёжного SMS одного оператора.
// Порядок групп: сумма, дата, референс.
type grammar struct {
	re         *regexp.Regexp
	dateLayout string
	amountIdx  int
	dateIdx    int
	refIdx     int
}

var grammars = map[string]grammar{
	"mtn": {
		re:         regexp.MustCompile(`Paiement (\d+)F a TAPAAR LVC \(.*?\) ([\d-]+ [\d:]+) Frais:(\d+)F Solde:(\d+)F ID:(\d+)`),
		dateLayout: "2006-01-02 15:04:05",
		amountIdx:  1,
		dateIdx:    2,
		refIdx:     5,
	},
	"moov": {
		re:         regexp.MustCompile(`Vous avez payé (\d+) FCFA.*? le (\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}).*? Réf : (\d+)\.`),
		dateLayout: "02/01/2006 15:04:05",
		amountIdx:  1,
		dateIdx:    2,
		refIdx:     3,
	},
	"celtiis": {
		re:         regexp.MustCompile(`Paiement de (\d+) FCFA a TAPAAR effectué le (\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2})\. Ref: (\d+)`),
		dateLayout: "02/01/2006 15:04:05",
		amountIdx:  1,
		dateIdx:    2,
		refIdx:     3,
	},
}

var numericRe = regexp.MustCompile(`^\d+$`)

// KnownOperator сообщает, есть ли у оператора платёжная грамматика.
func KnownOperator(operator string) bool {
	_, ok := grammars[strings.ToLower(operator)]
	return ok
}

// Parse извлекает из текста кандидата на сверку. Если грамматика оператора
// совпала, сумма сверяется с expectedAmount и расхождение помечается в
// AmountMismatch (решение о блокировке принимает вызывающий). Если грамматика
// не совпала, чисто числовой текст принимается как референс платежа.
func Parse(operator, raw string, expectedAmount int64) (*Candidate, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrUnrecognizedFormat
	}

	g, ok := grammars[strings.ToLower(operator)]
	if !ok {
		return nil, ErrUnknownOperator
	}

	if m := g.re.FindStringSubmatch(text); m != nil {
		amount, err := strconv.ParseInt(m[g.amountIdx], 10, 64)
		if err != nil {
			return nil, ErrUnrecognizedFormat
		}

		date, err := time.Parse(g.dateLayout, m[g.dateIdx])
		if err != nil {
			// Дата вторична: не валим разбор из-за экзотики в SMS.
			date = time.Now()
		}

		return &Candidate{
			ReferenceID:     m[g.refIdx],
			ExtractedAmount: &amount,
			TransactionDate: date,
			AmountMismatch:  amount != expectedAmount,
		}, nil
	}

	if numericRe.MatchString(text) {
		return &Candidate{
			ReferenceID:     text,
			TransactionDate: time.Now(),
		}, nil
	}

	return nil, ErrUnrecognizedFormat
}
