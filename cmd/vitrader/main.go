// Command vitrader trades KRX volatility interruptions through the KIS open API.
package main

import "vi-trader/internal/cli"

func main() {
	cli.Execute()
}
