package ussd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		pkg      string
		amount   int64
		phone    string
		want     []string
		wantPIN  string
		wantErr  error
	}{
		{
			name:     "mtn simple credit",
			operator: "mtn",
			pkg:      "Crédit",
			amount:   500,
			phone:    "22990011223",
			want:     []string{"*880#", "2", "2", "22990011223", "22990011223", "500", "00000"},
			wantPIN:  "00000",
		},
		{
			name:     "mtn internet second period bucket",
			operator: "mtn",
			pkg:      "Internet",
			amount:   1000,
			phone:    "22990011223",
			want:     []string{"*840*123*2*22990011223#", "1", "00000"},
			wantPIN:  "00000",
		},
		{
			name:     "moov credit",
			operator: "moov",
			pkg:      "Crédit",
			amount:   200,
			phone:    "22995544332",
			want:     []string{"*855*3*1*2*22995544332*200#", "9999"},
			wantPIN:  "9999",
		},
		{
			name:     "moov pass bonus third bucket",
			operator: "moov",
			pkg:      "Pass Bonus",
			amount:   2500,
			phone:    "22995544332",
			want:     []string{"*855*3*2*2*22995544332#", "2", "3", "1", "1", "9999", "00"},
			wantPIN:  "9999",
		},
		{
			name:     "celtiis illiminet fixed period",
			operator: "celtiis",
			pkg:      "IllimiNet",
			amount:   20000,
			phone:    "22940011223",
			want:     []string{"*889*123*4*22940011223*2#", "2", "1", "32021"},
			wantPIN:  "32021",
		},
		{
			name:     "unknown package falls back to credit",
			operator: "mtn",
			pkg:      "Mystère",
			amount:   300,
			phone:    "22990011223",
			want:     []string{"*880#", "2", "2", "22990011223", "22990011223", "300", "00000"},
			wantPIN:  "00000",
		},
		{
			name:     "amount off catalog",
			operator: "mtn",
			pkg:      "Illimité",
			amount:   999,
			phone:    "22990011223",
			wantErr:  ErrUnsupportedAmount,
		},
		{
			name:     "unknown operator",
			operator: "orange",
			pkg:      "Crédit",
			amount:   500,
			phone:    "22990011223",
			wantErr:  ErrUnknownOperator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sequence, pin, err := Encode(tt.operator, tt.pkg, tt.amount, tt.phone)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, sequence)
			assert.Equal(t, tt.wantPIN, pin)
		})
	}
}

func TestPeriodBuckets(t *testing.T) {
	assert.Equal(t, "1", period("mtn", "Maxi", 200))
	assert.Equal(t, "2", period("mtn", "Maxi", 1500))
	assert.Equal(t, "3", period("mtn", "Maxi", 5000))
	assert.Equal(t, "4", period("moov", "Illimité", 30000))
	assert.Equal(t, "4", period("celtiis", "IllimiNet", 1))
	assert.Equal(t, "1", period("mtn", "Internet", 100))
}

func TestPaymentCode(t *testing.T) {
	code, err := PaymentCode("mtn", 1000)
	require.NoError(t, err)
	assert.Equal(t, "*880*41*151855*1000#", code)

	code, err = PaymentCode("moov", 500)
	require.NoError(t, err)
	assert.Equal(t, "*855*4*1*21009*500#", code)

	_, err = PaymentCode("orange", 1000)
	assert.True(t, errors.Is(err, ErrUnknownOperator))
}

func TestPIN(t *testing.T) {
	pin, err := PIN("celtiis")
	require.NoError(t, err)
	assert.Equal(t, "32021", pin)

	_, err = PIN("orange")
	assert.True(t, errors.Is(err, ErrUnknownOperator))
}
