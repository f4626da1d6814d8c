//go:build rp2040

package uart

import (
	"machine"

	"devicecore-go/errcode"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

// OpenRP2 configures one of the RP2040 UART blocks and returns it as a Port.
// Zero baud keeps the uartx default.
func OpenRP2(id string, baud uint32, tx, rx machine.Pin) (Port, error) {
	var hw *uartx.UART
	switch id {
	case "uart0":
		hw = uartx.UART0
	case "uart1":
		hw = uartx.UART1
	default:
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "uart.open", Msg: "unknown uart " + id}
	}
	if err := hw.Configure(uartx.UARTConfig{BaudRate: baud, TX: tx, RX: rx}); err != nil {
		return nil, errcode.Wrap(errcode.Failed, "uart.open", err)
	}
	return hw, nil
}
