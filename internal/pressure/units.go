package pressure

// CmH2OToHPa converts a water-column pressure to hectopascal.
func CmH2OToHPa(cm float64) float64 { return cm * 0.980665 }

// HPaToCmH2O converts hectopascal to centimetres of water.
func HPaToCmH2O(hPa float64) float64 { return hPa * 1.019716 }
