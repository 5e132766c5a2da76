package chain

// EscrowABI covers the escrow and dispute views plus the operator release call.
const EscrowABI = `[
	{
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"name": "escrows",
		"outputs": [
			{"internalType": "uint8", "name": "status", "type": "uint8"},
			{"internalType": "uint64", "name": "lockedAt", "type": "uint64"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"name": "disputeOf",
		"outputs": [
			{"internalType": "bool", "name": "exists", "type": "bool"},
			{"internalType": "uint8", "name": "status", "type": "uint8"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "disputeCount",
		"outputs": [{"internalType": "uint256", "name": "count", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "index", "type": "uint256"}],
		"name": "disputeAt",
		"outputs": [
			{"internalType": "uint256", "name": "orderId", "type": "uint256"},
			{"internalType": "uint8", "name": "status", "type": "uint8"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"name": "releaseFunds",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// AttestationABI anchors proof bundles.
const AttestationABI = `[{
	"inputs": [
		{"internalType": "uint256", "name": "orderId", "type": "uint256"},
		{"internalType": "uint8", "name": "kind", "type": "uint8"},
		{"internalType": "string", "name": "cid", "type": "string"},
		{"internalType": "address", "name": "attestor", "type": "address"}
	],
	"name": "submitProof",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`
