package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderTask(t *testing.T) {
	tests := []struct {
		name      string
		values    map[string]interface{}
		want      OrderTask
		wantErr   bool
		wantField string
	}{
		{
			name:   "string fields",
			values: map[string]interface{}{"id": "4294967297", "userId": "7", "voucherId": "10"},
			want:   OrderTask{OrderID: 4294967297, UserID: 7, VoucherID: 10},
		},
		{
			name:      "missing user",
			values:    map[string]interface{}{"id": "1", "voucherId": "10"},
			wantErr:   true,
			wantField: "userId",
		},
		{
			name:      "non numeric voucher",
			values:    map[string]interface{}{"id": "1", "userId": "7", "voucherId": "abc"},
			wantErr:   true,
			wantField: "voucherId",
		},
		{
			name:      "unexpected type",
			values:    map[string]interface{}{"id": 1.5, "userId": "7", "voucherId": "10"},
			wantErr:   true,
			wantField: "id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOrderTask(tt.values)
			if tt.wantErr {
				var fieldErr *TaskFieldError
				require.ErrorAs(t, err, &fieldErr)
				assert.Equal(t, tt.wantField, fieldErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrderTask_ToOrder(t *testing.T) {
	order := OrderTask{OrderID: 99, UserID: 1, VoucherID: 2}.ToOrder()

	assert.Equal(t, int64(99), order.ID)
	assert.Equal(t, int64(1), order.UserID)
	assert.Equal(t, int64(2), order.VoucherID)
	assert.Equal(t, int32(VoucherOrderUnpaid), order.Status)
}

func TestParseOrderTask_MissingFieldIs(t *testing.T) {
	_, err := ParseOrderTask(map[string]interface{}{"userId": "7", "voucherId": "10"})
	assert.ErrorIs(t, err, ErrFieldMissing)
	assert.EqualError(t, err, `field "id": missing`)
}
