package xls

import (
	"errors"
	"testing"
	"time"
)

type dateTuple struct {
	year, month, day, hour, minute, second int
}

func TestXldateAsTupleDates(t *testing.T) {
	tests := []struct {
		xldate   float64
		datemode int
		want     dateTuple
	}{
		{2741.0, 0, dateTuple{1907, 7, 3, 0, 0, 0}},
		{38406.0, 0, dateTuple{2005, 2, 23, 0, 0, 0}},
		{32266.0, 0, dateTuple{1988, 5, 3, 0, 0, 0}},
		{61.0, 0, dateTuple{1900, 3, 1, 0, 0, 0}},
		{2958465.0, 0, dateTuple{9999, 12, 31, 0, 0, 0}},
		{36944.0, 1, dateTuple{2005, 2, 23, 0, 0, 0}},
		{1.0, 1, dateTuple{1904, 1, 2, 0, 0, 0}},
	}
	for _, tt := range tests {
		year, month, day, hour, minute, second, err := XldateAsTuple(tt.xldate, tt.datemode)
		if err != nil {
			t.Errorf("XldateAsTuple(%v, %d): %v", tt.xldate, tt.datemode, err)
			continue
		}
		got := dateTuple{year, month, day, hour, minute, second}
		if got != tt.want {
			t.Errorf("XldateAsTuple(%v, %d) = %v, want %v", tt.xldate, tt.datemode, got, tt.want)
		}
	}
}

func TestXldateAsTupleTimes(t *testing.T) {
	tests := []struct {
		xldate float64
		want   dateTuple
	}{
		{0.273611, dateTuple{0, 0, 0, 6, 34, 0}},
		{0.538889, dateTuple{0, 0, 0, 12, 56, 0}},
		{0.741123, dateTuple{0, 0, 0, 17, 47, 13}},
		{0.5, dateTuple{0, 0, 0, 12, 0, 0}},
		{0.0, dateTuple{0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		year, month, day, hour, minute, second, err := XldateAsTuple(tt.xldate, 0)
		if err != nil {
			t.Errorf("XldateAsTuple(%v, 0): %v", tt.xldate, err)
			continue
		}
		got := dateTuple{year, month, day, hour, minute, second}
		if got != tt.want {
			t.Errorf("XldateAsTuple(%v, 0) = %v, want %v", tt.xldate, got, tt.want)
		}
	}
}

func TestXldateAsTupleDatetimes(t *testing.T) {
	tests := []struct {
		xldate   float64
		datemode int
		want     dateTuple
	}{
		{2741.273611, 0, dateTuple{1907, 7, 3, 6, 34, 0}},
		{38406.538889, 0, dateTuple{2005, 2, 23, 12, 56, 0}},
		{32266.741123, 0, dateTuple{1988, 5, 3, 17, 47, 13}},
		// rounding the fraction carries into the next day
		{0.9999999, 1, dateTuple{1904, 1, 2, 0, 0, 0}},
	}
	for _, tt := range tests {
		year, month, day, hour, minute, second, err := XldateAsTuple(tt.xldate, tt.datemode)
		if err != nil {
			t.Errorf("XldateAsTuple(%v, %d): %v", tt.xldate, tt.datemode, err)
			continue
		}
		got := dateTuple{year, month, day, hour, minute, second}
		if got != tt.want {
			t.Errorf("XldateAsTuple(%v, %d) = %v, want %v", tt.xldate, tt.datemode, got, tt.want)
		}
	}
}

func TestXldateAsTupleErrors(t *testing.T) {
	var negative *XLDateNegative
	var ambiguous *XLDateAmbiguous
	var tooLarge *XLDateTooLarge
	var badMode *XLDateBadDatemode

	_, _, _, _, _, _, err := XldateAsTuple(-1.0, 0)
	if !errors.As(err, &negative) {
		t.Errorf("negative serial: got %v, want XLDateNegative", err)
	}
	_, _, _, _, _, _, err = XldateAsTuple(60.0, 0)
	if !errors.As(err, &ambiguous) {
		t.Errorf("serial 60 in 1900 mode: got %v, want XLDateAmbiguous", err)
	}
	_, _, _, _, _, _, err = XldateAsTuple(2958466.0, 0)
	if !errors.As(err, &tooLarge) {
		t.Errorf("serial 2958466 in 1900 mode: got %v, want XLDateTooLarge", err)
	}
	_, _, _, _, _, _, err = XldateAsTuple(1.0, 2)
	if !errors.As(err, &badMode) {
		t.Errorf("datemode 2: got %v, want XLDateBadDatemode", err)
	}
	// serial 60 is fine in 1904 mode
	if _, _, _, _, _, _, err = XldateAsTuple(60.0, 1); err != nil {
		t.Errorf("serial 60 in 1904 mode: %v", err)
	}
}

func TestXldateAsDatetime(t *testing.T) {
	tests := []struct {
		xldate   float64
		datemode int
		want     time.Time
	}{
		{38406.5, 0, time.Date(2005, 2, 23, 12, 0, 0, 0, time.UTC)},
		{61.0, 0, time.Date(1900, 3, 1, 0, 0, 0, 0, time.UTC)},
		// before the fictional 1900-02-29 the 1899-12-31 epoch applies
		{1.5, 0, time.Date(1900, 1, 1, 12, 0, 0, 0, time.UTC)},
		{36944.0, 1, time.Date(2005, 2, 23, 0, 0, 0, 0, time.UTC)},
		{0.25, 0, time.Date(1899, 12, 31, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := XldateAsDatetime(tt.xldate, tt.datemode)
		if err != nil {
			t.Errorf("XldateAsDatetime(%v, %d): %v", tt.xldate, tt.datemode, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("XldateAsDatetime(%v, %d) = %v, want %v", tt.xldate, tt.datemode, got, tt.want)
		}
	}
}

func TestXldateFromDateTuple(t *testing.T) {
	tests := []struct {
		year, month, day, datemode int
		want                       float64
	}{
		{1907, 7, 3, 0, 2741.0},
		{2005, 2, 23, 0, 38406.0},
		{1988, 5, 3, 0, 32266.0},
		{1900, 3, 1, 0, 61.0},
		{9999, 12, 31, 0, 2958465.0},
		{2005, 2, 23, 1, 36944.0},
		{2000, 2, 29, 0, 36585.0}, // leap day in a /400 year
		{0, 0, 0, 0, 0.0},
	}
	for _, tt := range tests {
		got, err := XldateFromDateTuple(tt.year, tt.month, tt.day, tt.datemode)
		if err != nil {
			t.Errorf("XldateFromDateTuple(%d, %d, %d, %d): %v", tt.year, tt.month, tt.day, tt.datemode, err)
			continue
		}
		if got != tt.want {
			t.Errorf("XldateFromDateTuple(%d, %d, %d, %d) = %v, want %v",
				tt.year, tt.month, tt.day, tt.datemode, got, tt.want)
		}
	}
}

func TestXldateFromDateTupleErrors(t *testing.T) {
	var badTuple *XLDateBadTuple
	var ambiguous *XLDateAmbiguous

	bad := [][4]int{
		{1899, 12, 31, 0}, // year too early
		{10000, 1, 1, 0},  // year too late
		{2005, 13, 1, 0},  // bad month
		{2005, 4, 31, 0},  // bad day
		{1900, 2, 29, 0},  // 1900 was not a leap year
	}
	for _, b := range bad {
		_, err := XldateFromDateTuple(b[0], b[1], b[2], b[3])
		if !errors.As(err, &badTuple) {
			t.Errorf("XldateFromDateTuple(%v): got %v, want XLDateBadTuple", b, err)
		}
	}

	_, err := XldateFromDateTuple(1900, 1, 15, 0)
	if !errors.As(err, &ambiguous) {
		t.Errorf("date before 1900-03-01: got %v, want XLDateAmbiguous", err)
	}
}

func TestXldateFromTimeTuple(t *testing.T) {
	got, err := XldateFromTimeTuple(12, 0, 0)
	if err != nil || got != 0.5 {
		t.Errorf("XldateFromTimeTuple(12, 0, 0) = %v, %v; want 0.5", got, err)
	}
	got, err = XldateFromTimeTuple(6, 34, 0)
	if err != nil || got != (34.0/60.0+6.0)/24.0 {
		t.Errorf("XldateFromTimeTuple(6, 34, 0) = %v, %v", got, err)
	}

	var badTuple *XLDateBadTuple
	for _, b := range [][3]int{{24, 0, 0}, {-1, 0, 0}, {0, 60, 0}, {0, 0, 60}} {
		if _, err := XldateFromTimeTuple(b[0], b[1], b[2]); !errors.As(err, &badTuple) {
			t.Errorf("XldateFromTimeTuple(%v): got %v, want XLDateBadTuple", b, err)
		}
	}
}

func TestXldateFromDatetimeTuple(t *testing.T) {
	got, err := XldateFromDatetimeTuple(2005, 2, 23, 12, 0, 0, 0)
	if err != nil || got != 38406.5 {
		t.Errorf("XldateFromDatetimeTuple = %v, %v; want 38406.5", got, err)
	}
}

func TestXldateRoundTrip(t *testing.T) {
	for _, serial := range []float64{61, 2741, 32266, 38406, 2958465} {
		year, month, day, _, _, _, err := XldateAsTuple(serial, 0)
		if err != nil {
			t.Fatalf("XldateAsTuple(%v, 0): %v", serial, err)
		}
		back, err := XldateFromDateTuple(year, month, day, 0)
		if err != nil {
			t.Fatalf("XldateFromDateTuple(%d, %d, %d, 0): %v", year, month, day, err)
		}
		if back != serial {
			t.Errorf("round trip %v -> (%d, %d, %d) -> %v", serial, year, month, day, back)
		}
	}
}
