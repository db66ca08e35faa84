// Package geo computes sun event times for a fixed location.
package geo

import (
	"math"
	"time"
)

// Sun elevation angles in degrees.
const (
	angleSunrise = -0.833
	angleCivil   = -6.0
)

// AstroTimes holds the sun events of one day. A zero time means the event
// does not happen that day (polar day or night).
type AstroTimes struct {
	Dawn    time.Time
	Sunrise time.Time
	Noon    time.Time
	Sunset  time.Time
	Dusk    time.Time
}

// Calculator computes astronomical times for a coordinate.
type Calculator struct {
	lat float64
	lon float64
}

// NewCalculator creates a calculator for lat/lon in degrees.
func NewCalculator(lat, lon float64) *Calculator {
	return &Calculator{lat: lat, lon: lon}
}

// Times returns the sun events on date's calendar day in tz.
func (c *Calculator) Times(date time.Time, tz *time.Location) *AstroTimes {
	date = date.In(tz)
	// The NOAA equation expects the Julian day at noon.
	jd := toJulianDay(date) + 0.5

	return &AstroTimes{
		Dawn:    sunTime(jd, c.lat, c.lon, tz, date, angleCivil, true),
		Sunrise: sunTime(jd, c.lat, c.lon, tz, date, angleSunrise, true),
		Noon:    julianToTime(solarTransit(jd, c.lon), tz, date),
		Sunset:  sunTime(jd, c.lat, c.lon, tz, date, angleSunrise, false),
		Dusk:    sunTime(jd, c.lat, c.lon, tz, date, angleCivil, false),
	}
}

func toJulianDay(t time.Time) float64 {
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())

	if m <= 2 {
		y--
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
}

// solarPosition returns the solar transit and the sun's ecliptic longitude in radians.
func solarPosition(jd, lon float64) (transit, lambda float64) {
	n := jd - 2451545.0 + 0.0008
	jStar := n - lon/360.0

	m := math.Mod(357.5291+0.98560028*jStar, 360.0)
	mRad := m * math.Pi / 180.0

	// Equation of center
	c := 1.9148*math.Sin(mRad) + 0.02*math.Sin(2*mRad) + 0.0003*math.Sin(3*mRad)

	lambda = math.Mod(m+c+180+102.9372, 360.0) * math.Pi / 180.0
	transit = 2451545.0 + jStar + 0.0053*math.Sin(mRad) - 0.0069*math.Sin(2*lambda)
	return transit, lambda
}

func solarTransit(jd, lon float64) float64 {
	transit, _ := solarPosition(jd, lon)
	return transit
}

func sunTime(jd, lat, lon float64, tz *time.Location, date time.Time, angle float64, rising bool) time.Time {
	transit, lambda := solarPosition(jd, lon)

	dec := math.Asin(math.Sin(lambda) * math.Sin(23.44*math.Pi/180.0))
	latRad := lat * math.Pi / 180.0
	angleRad := angle * math.Pi / 180.0

	cosOmega := (math.Sin(angleRad) - math.Sin(latRad)*math.Sin(dec)) / (math.Cos(latRad) * math.Cos(dec))
	if cosOmega > 1 || cosOmega < -1 {
		return time.Time{}
	}

	omega := math.Acos(cosOmega) * 180.0 / math.Pi
	if rising {
		return julianToTime(transit-omega/360.0, tz, date)
	}
	return julianToTime(transit+omega/360.0, tz, date)
}

// julianToTime converts a Julian day to a wall clock time on refDate's day.
func julianToTime(jd float64, tz *time.Location, refDate time.Time) time.Time {
	unixTime := (jd - 2440587.5) * 86400.0
	t := time.Unix(int64(unixTime), 0).In(tz)

	return time.Date(
		refDate.Year(), refDate.Month(), refDate.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, tz,
	)
}
