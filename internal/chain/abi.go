package chain

// Contract interfaces the keeper talks to. Only the members the keeper reads,
// calls or indexes are listed.

const positionManagerABI = `[
  {"type":"event","name":"PositionOpened","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"collateral","type":"uint256","indexed":false},
    {"name":"leverage","type":"uint256","indexed":false},
    {"name":"entryPrice","type":"uint256","indexed":false},
    {"name":"isLong","type":"bool","indexed":false}]},
  {"type":"event","name":"PositionClosed","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"pnl","type":"int256","indexed":false}]},
  {"type":"event","name":"PositionLiquidated","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"liquidator","type":"address","indexed":true},
    {"name":"pnl","type":"int256","indexed":false},
    {"name":"fundingPayment","type":"int256","indexed":false}]},
  {"type":"event","name":"FundingRateUpdated","anonymous":false,"inputs":[
    {"name":"fundingRate","type":"int256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},

  {"type":"function","name":"getPosition","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[
    {"name":"owner","type":"address"},
    {"name":"collateral","type":"uint256"},
    {"name":"leverage","type":"uint256"},
    {"name":"entryPrice","type":"uint256"},
    {"name":"entryFundingRate","type":"int256"},
    {"name":"isLong","type":"bool"},
    {"name":"isOpen","type":"bool"},
    {"name":"openedAt","type":"uint256"}]},
  {"type":"function","name":"isLiquidatable","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"liquidatePosition","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateFundingRate","stateMutability":"nonpayable",
   "inputs":[],"outputs":[]},
  {"type":"function","name":"lastFundingTime","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"accumulatedFundingRate","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"int256"}]},

  {"type":"error","name":"PositionNotFound","inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"PositionNotOpen","inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"AlreadyLiquidated","inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"NotLiquidatable","inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"error","name":"NotOwner","inputs":[]},
  {"type":"error","name":"Unauthorized","inputs":[{"name":"caller","type":"address"}]},
  {"type":"error","name":"FundingTooEarly","inputs":[{"name":"nextAllowed","type":"uint256"}]}
]`

const positionNFTABI = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

const priceOracleABI = `[
  {"type":"function","name":"getPrice","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`
