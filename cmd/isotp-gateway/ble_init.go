package main

import (
	"github.com/kstaniek/isotp-ble-gateway/internal/ble"
	"github.com/kstaniek/isotp-ble-gateway/internal/ble/bleperiph"
)

// newFacade builds the C5 GATT façade over the real BlueZ/HCI
// peripheral. The caller must AttachBridge before calling Run: the
// façade's Respond method is the bridge's onRespond callback, so the
// bridge is constructed after the façade and wired back in.
func newFacade(cfg *appConfig) *ble.Facade {
	periph := bleperiph.New()
	f := ble.New(periph)
	f.SetDeviceName(cfg.bleDeviceName)
	return f
}
