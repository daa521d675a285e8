// Package ussd строит последовательности USSD-набора для пополнения
// эфирного времени. Каталог шаблонов закрытый и ведётся вручную: сумма вне
// каталога — жёсткая ошибка до любой записи в хранилище.
package ussd

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnknownOperator возвращается для оператора вне каталога.
var (
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrUnsupportedAmount возвращается, когда для суммы нет пункта меню оператора.
	ErrUnsupportedAmount = errors.New("amount not in operator catalog")
)

// pins — фиксированные PIN-коды дилерских SIM, подставляемые в {pin}.
var pins = map[string]string{
	"mtn":     "00000",
	"moov":    "9999",
	"celtiis": "32021",
}

// paymentCodes — USSD-коды приёма платежей, показываемые при покупке купона.
var paymentCodes = map[string]string{
	"mtn":     "*880*41*151855*AMOUNT#",
	"moov":    "*855*4*1*21009*AMOUNT#",
	"celtiis": "*800*4*1*2*070719*AMOUNT#",
}

// templates — шаги набора по оператору и пакету. Токены {phone}, {amount},
// {pin}, {option}, {period} подставляются при кодировании. Пакет вне списка
// обслуживается шаблоном «Crédit» (простое пополнение счёта).
var templates = map[string]map[string][]string{
	"mtn": {
		"Crédit":        {"*880#", "2", "2", "{phone}", "{phone}", "{amount}", "{pin}"},
		"Internet":      {"*840*123*{period}*{phone}#", "{option}", "{pin}"},
		"Maxi":          {"*840*173*{period}*{phone}#", "{option}", "1", "{pin}"},
		"Maxi+Internet": {"*840*173*{period}*{phone}#", "{option}", "2", "{pin}"},
		"Illimité":      {"*840*123*4*{phone}#", "{option}", "{pin}"},
	},
	"moov": {
		"Crédit":        {"*855*3*1*2*{phone}*{amount}#", "{pin}"},
		"Pass Bonus":    {"*855*3*2*2*{phone}#", "2", "{period}", "{option}", "1", "{pin}", "00"},
		"Pass+Internet": {"*855*3*2*2*{phone}#", "2", "{period}", "{option}", "2", "{pin}", "00"},
		"Internet":      {"*855*3*2*2*{phone}#", "1", "1", "{period}", "{option}", "{pin}", "00"},
		"Illimité":      {"*855*3*2*2*{phone}#", "1", "1", "4", "{option}", "{pin}", "00"},
	},
	"celtiis": {
		"Crédit":           {"*889#", "5", "1", "{phone}", "{phone}", "{amount}", "{pin}"},
		"Top Appel":        {"*889*173*{phone}*{period}#", "{option}", "1", "{pin}"},
		"Internet Connect": {"*889*123*{phone}*{period}#", "{option}", "1", "{pin}"},
		"MyMix":            {"*889*172*{phone}*{period}#", "{option}", "1", "{pin}"},
		"IllimiNet":        {"*889*123*4*{phone}*2#", "{option}", "1", "{pin}"},
	},
}

// optionMaps — пункт меню оператора для пары (пакет, сумма).
var optionMaps = map[string]map[string]map[int64]string{
	"mtn": {
		"Maxi":          {100: "1", 150: "2", 200: "3", 500: "4", 1000: "1", 1500: "2", 2500: "1", 5000: "2"},
		"Maxi+Internet": {100: "1", 150: "2", 200: "3", 500: "4", 1000: "1", 1500: "2", 2500: "1", 5000: "2"},
		"Internet":      {100: "1", 150: "2", 200: "3", 250: "4", 300: "5", 500: "6", 995: "7", 1000: "1", 2000: "2"},
		"Illimité":      {15100: "1", 20000: "2", 25000: "3", 50000: "4"},
	},
	"moov": {
		"Pass Bonus":    {100: "1", 150: "2", 200: "3", 500: "4", 1000: "1", 1500: "2", 2500: "1", 5000: "2", 10000: "1", 15000: "2"},
		"Pass+Internet": {100: "1", 150: "2", 200: "3", 500: "4", 1000: "1", 1500: "2", 2500: "1", 5000: "2", 10000: "1", 15000: "2"},
		"Internet":      {100: "1", 200: "2", 250: "3", 500: "4", 1000: "1", 2000: "2", 2500: "1", 5000: "2"},
		"Illimité":      {15100: "11", 15500: "1", 20000: "2", 25000: "3", 30000: "4", 50000: "5"},
	},
	"celtiis": {
		"Top Appel":        {100: "1", 150: "2", 200: "3", 500: "1", 1000: "2", 1500: "3", 2000: "4", 5000: "1", 10000: "2"},
		"Internet Connect": {100: "1", 200: "2", 500: "3", 750: "4", 1000: "1", 1500: "2", 3000: "1", 5000: "2", 10000: "3"},
		"MyMix":            {100: "1", 200: "2", 500: "3", 750: "4", 1000: "5", 1500: "6", 3000: "7", 5000: "8", 10000: "9"},
		"IllimiNet":        {15100: "1", 20000: "2", 25000: "3", 50000: "4"},
	},
}

func amountIn(amount int64, values ...int64) bool {
	for _, v := range values {
		if v == amount {
			return true
		}
	}
	return false
}

// period возвращает код периода действия пакета для данной суммы.
// Разбиение по корзинам определено оператором и не зависит от пользователя.
func period(operator, packageName string, amount int64) string {
	switch operator {
	case "mtn":
		switch packageName {
		case "Maxi", "Maxi+Internet":
			if amountIn(amount, 100, 150, 200, 500) {
				return "1"
			}
			if amountIn(amount, 1000, 1500) {
				return "2"
			}
			if amountIn(amount, 2500, 5000) {
				return "3"
			}
		case "Internet", "Illimité":
			if amountIn(amount, 1000, 2000) {
				return "2"
			}
		}
	case "moov":
		switch packageName {
		case "Pass Bonus", "Pass+Internet":
			if amountIn(amount, 1000, 1500) {
				return "2"
			}
			if amountIn(amount, 2500, 5000) {
				return "3"
			}
			if amountIn(amount, 10000, 15000) {
				return "4"
			}
		case "Internet", "Illimité":
			if amountIn(amount, 1000, 2000) {
				return "2"
			}
			if amountIn(amount, 2500, 5000) {
				return "3"
			}
			if amountIn(amount, 15500, 20000, 25000, 30000, 50000) {
				return "4"
			}
		}
	case "celtiis":
		switch packageName {
		case "Top Appel":
			if amountIn(amount, 500, 1000, 1500, 2000) {
				return "2"
			}
			if amountIn(amount, 5000, 10000) {
				return "3"
			}
		case "Internet Connect", "MyMix":
			if amountIn(amount, 1000, 1500) {
				return "2"
			}
			if amountIn(amount, 3000, 5000, 10000) {
				return "3"
			}
		case "IllimiNet":
			return "4"
		}
	}
	return "1"
}

// PaymentCode возвращает USSD-код приёма платежа оператора с подставленной суммой.
func PaymentCode(operator string, amount int64) (string, error) {
	code, ok := paymentCodes[strings.ToLower(operator)]
	if !ok {
		return "", ErrUnknownOperator
	}
	return strings.ReplaceAll(code, "AMOUNT", strconv.FormatInt(amount, 10)), nil
}

// KnownOperator сообщает, присутствует ли оператор в каталоге набора.
func KnownOperator(operator string) bool {
	_, ok := templates[strings.ToLower(operator)]
	return ok
}

// PIN возвращает фиксированный PIN оператора.
func PIN(operator string) (string, error) {
	pin, ok := pins[strings.ToLower(operator)]
	if !ok {
		return "", ErrUnknownOperator
	}
	return pin, nil
}

// Encode строит последовательность шагов набора для пары оператор+пакет.
// Для пакетов с меню сумм отсутствие суммы в каталоге — ErrUnsupportedAmount.
func Encode(operator, packageName string, amount int64, phone string) ([]string, string, error) {
	op := strings.ToLower(operator)

	opTemplates, ok := templates[op]
	if !ok {
		return nil, "", ErrUnknownOperator
	}

	steps, ok := opTemplates[packageName]
	if !ok {
		steps = opTemplates["Crédit"]
	}

	option := ""
	if optionMap, ok := optionMaps[op][packageName]; ok {
		option, ok = optionMap[amount]
		if !ok {
			return nil, "", ErrUnsupportedAmount
		}
	}

	pin := pins[op]

	replacer := strings.NewReplacer(
		"{phone}", phone,
		"{amount}", strconv.FormatInt(amount, 10),
		"{pin}", pin,
		"{option}", option,
		"{period}", period(op, packageName, amount),
	)

	sequence := make([]string, 0, len(steps))
	for _, step := range steps {
		sequence = append(sequence, replacer.Replace(step))
	}

	return sequence, pin, nil
}
