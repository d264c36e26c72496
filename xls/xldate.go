package xls

import (
	"fmt"
	"math"
	"time"
)

// The conversions below work via a Julian Day Number, offset per the
// workbook's date mode. The 1900 mode delta bakes in Excel's fictional
// 1900-02-29: serials below 61 cannot be converted unambiguously.
var jdnDelta = [2]int{2415080 - 61, 2416482 - 1}

const (
	xldaysTooLarge1900 = 2958466 // disallows year 10000 and later
	xldaysTooLarge1904 = 2958466 - 1462
)

var (
	epoch1904       = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
	epoch1900       = time.Date(1899, 12, 31, 0, 0, 0, 0, time.UTC)
	epoch1900Minus1 = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
)

var daysInMonth = [13]int{0, 31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// XLDateError is the base type for date conversion failures.
type XLDateError struct {
	Message string
}

func (e *XLDateError) Error() string { return e.Message }

// XLDateNegative reports a serial below 0.0.
type XLDateNegative struct{ XLDateError }

// XLDateAmbiguous reports the 1900 leap-year problem: datemode 0 with
// 1.0 <= serial < 61.0.
type XLDateAmbiguous struct{ XLDateError }

// XLDateTooLarge reports a serial in Gregorian year 10000 or later.
type XLDateTooLarge struct{ XLDateError }

// XLDateBadDatemode reports a datemode that is neither 0 nor 1.
type XLDateBadDatemode struct{ XLDateError }

// XLDateBadTuple reports an out-of-range date or time component.
type XLDateBadTuple struct{ XLDateError }

func isLeap(y int) bool {
	if y%4 != 0 {
		return false
	}
	if y%100 != 0 {
		return true
	}
	return y%400 == 0
}

// XldateAsTuple converts an Excel serial number, presumed to represent a
// date, datetime or time, into Gregorian
// (year, month, day, hour, minute, nearest second).
//
// If 0.0 <= xldate < 1.0 it is assumed to represent a time;
// (0, 0, 0, hour, minute, second) is returned.
func XldateAsTuple(xldate float64, datemode int) (year, month, day, hour, minute, second int, err error) {
	if datemode != 0 && datemode != 1 {
		return 0, 0, 0, 0, 0, 0, &XLDateBadDatemode{XLDateError{Message: fmt.Sprintf("invalid datemode: %d", datemode)}}
	}
	if xldate == 0.0 {
		return 0, 0, 0, 0, 0, 0, nil
	}
	if xldate < 0.0 {
		return 0, 0, 0, 0, 0, 0, &XLDateNegative{XLDateError{Message: fmt.Sprintf("xldate < 0.00: %f", xldate)}}
	}
	xldays := int(xldate)
	frac := xldate - float64(xldays)
	seconds := int(math.Round(frac * 86400.0))
	if seconds < 0 || seconds > 86400 {
		return 0, 0, 0, 0, 0, 0, &XLDateError{Message: fmt.Sprintf("invalid fractional day: %f", xldate)}
	}
	if seconds == 86400 {
		// rounding carried into the next day
		xldays++
	} else {
		minutes := seconds / 60
		second = seconds % 60
		hour = minutes / 60
		minute = minutes % 60
	}

	tooLarge := xldaysTooLarge1900
	if datemode == 1 {
		tooLarge = xldaysTooLarge1904
	}
	if xldays >= tooLarge {
		return 0, 0, 0, 0, 0, 0, &XLDateTooLarge{XLDateError{Message: fmt.Sprintf("xldate too large: %f", xldate)}}
	}
	if xldays == 0 {
		return 0, 0, 0, hour, minute, second, nil
	}
	if xldays < 61 && datemode == 0 {
		return 0, 0, 0, 0, 0, 0, &XLDateAmbiguous{XLDateError{Message: fmt.Sprintf("1900 leap-year problem: %f", xldate)}}
	}

	jdn := xldays + jdnDelta[datemode]
	yreg := ((((jdn*4+274277)/146097)*3/4)+jdn+1363)*4 + 3
	mp := ((yreg%1461)/4)*535 + 333
	day = ((mp % 16384) / 535) + 1
	mp >>= 14
	if mp >= 10 {
		return (yreg / 1461) - 4715, mp - 9, day, hour, minute, second, nil
	}
	return (yreg / 1461) - 4716, mp + 3, day, hour, minute, second, nil
}

// XldateAsDatetime converts an Excel serial number into a time.Time in UTC.
func XldateAsDatetime(xldate float64, datemode int) (time.Time, error) {
	var epoch time.Time
	switch {
	case datemode == 1:
		epoch = epoch1904
	case xldate < 60:
		epoch = epoch1900
	default:
		// compensate for Excel's fictional 1900-02-29
		epoch = epoch1900Minus1
	}
	days := int(xldate)
	frac := xldate - float64(days)
	// Excel stores at millisecond resolution.
	millis := int(math.Round(frac * 86400000.0))
	return epoch.AddDate(0, 0, days).
		Add(time.Duration(millis) * time.Millisecond), nil
}

// XldateFromDateTuple converts a Gregorian (year, month, day) to an
// Excel serial number.
func XldateFromDateTuple(year, month, day, datemode int) (float64, error) {
	if datemode != 0 && datemode != 1 {
		return 0, &XLDateBadDatemode{XLDateError{Message: fmt.Sprintf("invalid datemode: %d", datemode)}}
	}
	if year == 0 && month == 0 && day == 0 {
		return 0.0, nil
	}
	if year < 1900 || year > 9999 {
		return 0, &XLDateBadTuple{XLDateError{Message: fmt.Sprintf("invalid year: (%d, %d, %d)", year, month, day)}}
	}
	if month < 1 || month > 12 {
		return 0, &XLDateBadTuple{XLDateError{Message: fmt.Sprintf("invalid month: (%d, %d, %d)", year, month, day)}}
	}
	maxDay := daysInMonth[month]
	if month == 2 && isLeap(year) {
		maxDay = 29
	}
	if day < 1 || day > maxDay {
		return 0, &XLDateBadTuple{XLDateError{Message: fmt.Sprintf("invalid day: (%d, %d, %d)", year, month, day)}}
	}

	yp := year + 4716
	var mp int
	if month <= 2 {
		yp--
		mp = month + 9
	} else {
		mp = month - 3
	}
	jdn := (1461*yp)/4 + (979*mp+16)/32 + day - 1364 - ((yp+184)/100)*3/4
	xldays := jdn - jdnDelta[datemode]
	if xldays <= 0 {
		return 0, &XLDateBadTuple{XLDateError{Message: fmt.Sprintf("invalid (year, month, day): (%d, %d, %d)", year, month, day)}}
	}
	if xldays < 61 && datemode == 0 {
		return 0, &XLDateAmbiguous{XLDateError{Message: fmt.Sprintf("before 1900-03-01: (%d, %d, %d)", year, month, day)}}
	}
	return float64(xldays), nil
}

// XldateFromTimeTuple converts (hour, minute, second) to the fractional
// part of an Excel serial number.
func XldateFromTimeTuple(hour, minute, second int) (float64, error) {
	if hour < 0 || hour >= 24 || minute < 0 || minute >= 60 || second < 0 || second >= 60 {
		return 0, &XLDateBadTuple{XLDateError{Message: fmt.Sprintf("invalid (hour, minute, second): (%d, %d, %d)", hour, minute, second)}}
	}
	return ((float64(second)/60.0+float64(minute))/60.0 + float64(hour)) / 24.0, nil
}

// XldateFromDatetimeTuple converts a full Gregorian datetime to an Excel
// serial number.
func XldateFromDatetimeTuple(year, month, day, hour, minute, second, datemode int) (float64, error) {
	datePart, err := XldateFromDateTuple(year, month, day, datemode)
	if err != nil {
		return 0, err
	}
	timePart, err := XldateFromTimeTuple(hour, minute, second)
	if err != nil {
		return 0, err
	}
	return datePart + timePart, nil
}
