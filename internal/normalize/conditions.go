package normalize

import "github.com/couchcryptid/weather-alert-pipeline/internal/domain"

// wmoConditions translates WMO weather interpretation codes (used by
// open-meteo) to the canonical condition enum. Codes the table does not
// know map to ConditionUnknown rather than failing the record.
var wmoConditions = map[int]domain.ConditionCode{
	0:  domain.ConditionClear,
	1:  domain.ConditionPartlyCloudy,
	2:  domain.ConditionPartlyCloudy,
	3:  domain.ConditionCloudy,
	45: domain.ConditionFog,
	48: domain.ConditionFog,
	51: domain.ConditionDrizzle,
	53: domain.ConditionDrizzle,
	55: domain.ConditionDrizzle,
	56: domain.ConditionFreezingDrizzle,
	57: domain.ConditionFreezingDrizzle,
	61: domain.ConditionRain,
	63: domain.ConditionRain,
	65: domain.ConditionRain,
	66: domain.ConditionFreezingRain,
	67: domain.ConditionFreezingRain,
	71: domain.ConditionSnow,
	73: domain.ConditionSnow,
	75: domain.ConditionSnow,
	77: domain.ConditionHail,
	80: domain.ConditionShowers,
	81: domain.ConditionShowers,
	82: domain.ConditionShowers,
	85: domain.ConditionSnowShowers,
	86: domain.ConditionSnowShowers,
	95: domain.ConditionThunderstorm,
	96: domain.ConditionThunderstorm,
	99: domain.ConditionThunderstorm,
}

func wmoCondition(code *int) domain.ConditionCode {
	if code == nil {
		return domain.ConditionUnknown
	}
	if c, ok := wmoConditions[*code]; ok {
		return c
	}
	return domain.ConditionUnknown
}

// owmCondition maps OpenWeatherMap condition ids (grouped by hundreds) to
// the canonical enum.
func owmCondition(id int) domain.ConditionCode {
	switch {
	case id >= 200 && id < 300:
		return domain.ConditionThunderstorm
	case id >= 300 && id < 400:
		return domain.ConditionDrizzle
	case id == 511:
		return domain.ConditionFreezingRain
	case id >= 520 && id < 540:
		return domain.ConditionShowers
	case id >= 500 && id < 600:
		return domain.ConditionRain
	case id >= 600 && id < 700:
		return domain.ConditionSnow
	case id == 701 || id == 741:
		return domain.ConditionFog
	case id == 800:
		return domain.ConditionClear
	case id == 801 || id == 802:
		return domain.ConditionPartlyCloudy
	case id == 803 || id == 804:
		return domain.ConditionCloudy
	default:
		return domain.ConditionUnknown
	}
}
