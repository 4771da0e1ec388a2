package prescription

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/schedule"
)

func date(s string) schedule.Date {
	d, err := schedule.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestValidate(t *testing.T) {
	p := &Prescription{ID: "rx-1", PatientID: "pt-1", StartDate: date("2025-01-01")}
	assert.NoError(t, p.Validate())

	end := date("2024-12-31")
	bad := *p
	bad.EndDate = &end
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = *p
	bad.Frequency = schedule.EveryXDays{Interval: -1}
	err := bad.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, schedule.ErrMalformedFrequency)

	bad = *p
	bad.StartDate = schedule.Date{}
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)
}

func TestEligibility(t *testing.T) {
	assert.Equal(t, Generate, (&Prescription{Status: StatusActive}).Eligibility())
	assert.Equal(t, Generate, (&Prescription{Status: StatusInactive}).Eligibility())
	assert.Equal(t, Retired, (&Prescription{Status: StatusPendingChange}).Eligibility())
	assert.Equal(t, Retired, (&Prescription{Status: "archived"}).Eligibility())
}

func TestOneClickEligible(t *testing.T) {
	p := &Prescription{PreparationMethod: PrepImmediate, Route: RouteOral}
	assert.True(t, p.OneClickEligible())

	p.InspectionRules = []InspectionRule{{VitalSign: "脈搏", Operator: OpGreater, Threshold: 50}}
	assert.False(t, p.OneClickEligible())

	p = &Prescription{PreparationMethod: PrepImmediate, Route: RouteInjection}
	assert.False(t, p.OneClickEligible())

	p = &Prescription{PreparationMethod: PrepAdvanced, Route: RouteOral}
	assert.False(t, p.OneClickEligible())
}

func TestFilter(t *testing.T) {
	end := date("2025-01-31")
	p := &Prescription{Status: StatusActive, StartDate: date("2025-01-01"), EndDate: &end}

	assert.True(t, Filter{}.Match(p))
	assert.True(t, Filter{Statuses: []Status{StatusActive}}.Match(p))
	assert.False(t, Filter{Statuses: []Status{StatusInactive}}.Match(p))

	feb := schedule.SingleDay(date("2025-02-01"))
	assert.False(t, Filter{Overlaps: &feb}.Match(p))
}

func TestJSONRoundTripKeepsFrequency(t *testing.T) {
	p := Prescription{
		ID:        "rx-1",
		PatientID: "pt-1",
		StartDate: date("2025-06-02"),
		Frequency: schedule.WeeklyOnDays{Days: []int{1, 3, 5}},
		TimeSlots: []schedule.Clock{schedule.MustClock("08:00")},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"frequency_type":"weekly_days"`)

	var back Prescription
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p.Frequency, back.Frequency)
	assert.Equal(t, p.StartDate, back.StartDate)
}

func TestInspect(t *testing.T) {
	rules := []InspectionRule{
		{VitalSign: "收縮壓", Operator: OpGreater, Threshold: 90},
		{VitalSign: "脈搏", Operator: OpGreaterEqual, Threshold: 60},
	}

	res, err := Inspect(rules, map[string]float64{"收縮壓": 120, "脈搏": 60})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations())

	res, err = Inspect(rules, map[string]float64{"收縮壓": 85, "脈搏": 72})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations(), 1)
	assert.Equal(t, 85.0, res.Violations()[0].Actual)

	_, err = Inspect(rules, map[string]float64{"收縮壓": 120})
	assert.ErrorIs(t, err, ErrMissingReading)
}

func TestRulePasses(t *testing.T) {
	assert.True(t, InspectionRule{Operator: OpLess, Threshold: 10}.Passes(9))
	assert.False(t, InspectionRule{Operator: OpLess, Threshold: 10}.Passes(10))
	assert.True(t, InspectionRule{Operator: OpLessEqual, Threshold: 10}.Passes(10))
	assert.False(t, InspectionRule{Operator: "between", Threshold: 10}.Passes(10))
}
